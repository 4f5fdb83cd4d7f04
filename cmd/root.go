package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gust"
	"gust/internal/banner"
	"gust/internal/cli"
	"gust/internal/config"
	"gust/internal/dummy"
	"gust/internal/httpd"
	"gust/internal/remote"
)

var (
	cfgFile string

	// CLI Flags
	targetURL string
	method    string
	body      string
	rate      float64
	users     int
	duration  float64
	rampUp    float64
	rampDown  float64
	requests  int64
	timeoutMs int
	headers   []string
	specFile  string
	outPrefix string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "gust",
	Short: "Gust - Distributed HTTP Load Generator",
	Long: `
Gust drives concurrent HTTP traffic against a target, shaping virtual
users and request rate over time, and can spread the load across worker
nodes controlled from a single master.

Run headless with flags or a spec file; start a worker with "gust
worker" and install tests on it through POST /remote.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if specFile != "" || cmd.Flags().Changed("url") {
			return runHeadless()
		}
		return cmd.Usage()
	},
}

func Execute() {
	// Custom Help with Banner
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(dummyCmd)
	rootCmd.AddCommand(workerCmd)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.gust.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.Flags().StringVarP(&targetURL, "url", "u", "", "Target URL (enables CLI mode)")
	rootCmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP Method")
	rootCmd.Flags().StringVarP(&body, "body", "b", "", "Request Body")
	rootCmd.Flags().Float64VarP(&rate, "rate", "r", 0, "Target RPS (0 = unpaced)")
	rootCmd.Flags().IntVarP(&users, "users", "U", 10, "Concurrent virtual users")
	rootCmd.Flags().Float64VarP(&duration, "duration", "d", 10, "Duration in seconds")
	rootCmd.Flags().Float64Var(&rampUp, "ramp-up", 0, "Ramp-up duration in seconds")
	rootCmd.Flags().Float64Var(&rampDown, "ramp-down", 0, "Ramp-down duration in seconds")
	rootCmd.Flags().Int64VarP(&requests, "requests", "n", 0, "Stop after this many requests (0 = unlimited)")
	rootCmd.Flags().IntVar(&timeoutMs, "timeout", 0, "Per-request timeout in milliseconds")
	rootCmd.Flags().StringSliceVarP(&headers, "header", "H", []string{}, "HTTP Header (e.g. \"Key: Value\")")
	rootCmd.Flags().StringVarP(&specFile, "spec", "s", "", "YAML spec file with one or more tests")
	rootCmd.Flags().StringVarP(&outPrefix, "out", "o", "", "Output filename prefix for the summary export")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".gust")
		}
	}
	viper.AutomaticEnv()
	viper.ReadInConfig()

	if verbose || viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}
}

// --- Runners ---

func runHeadless() error {
	var specs []gust.TestSpec
	if specFile != "" {
		loaded, err := config.Load(specFile)
		if err != nil {
			return err
		}
		specs = loaded
	} else {
		spec, err := specFromFlags()
		if err != nil {
			return err
		}
		specs = []gust.TestSpec{spec}
	}
	return cli.Start(specs, outPrefix)
}

// specFromFlags builds one TestSpec from the command line. Ramp flags
// translate into a trapezoid load profile around the steady rate.
func specFromFlags() (gust.TestSpec, error) {
	host, port, path, err := splitURL(targetURL)
	if err != nil {
		return gust.TestSpec{}, err
	}

	spec := gust.TestSpec{
		Name:        "cli",
		Host:        host,
		Port:        port,
		Path:        path,
		Method:      method,
		RequestData: body,
		NumUsers:    users,
		TargetRPS:   rate,
		NumRequests: requests,
		TimeLimit:   rampUp + duration + rampDown,
		TimeoutMs:   timeoutMs,
	}

	if rate > 0 && (rampUp > 0 || rampDown > 0) {
		var lp [][2]float64
		t := 0.0
		if rampUp > 0 {
			lp = append(lp, [2]float64{0, 0})
			t = rampUp
		}
		lp = append(lp, [2]float64{t, rate})
		t += duration
		lp = append(lp, [2]float64{t, rate})
		if rampDown > 0 {
			lp = append(lp, [2]float64{t + rampDown, 0})
		}
		spec.LoadProfile = lp
	}

	spec.Headers = make(map[string]string)
	for _, h := range headers {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) == 2 {
			spec.Headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return spec, nil
}

// --- Worker Subcommand ---

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node accepting remote-controlled load tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")

		server := httpd.New(fmt.Sprintf(":%d", port))
		if err := server.Start(); err != nil {
			return err
		}
		remote.Install(server, nil)
		log.WithField("url", server.URL()+"/remote").Info("worker accepting slave specs")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Info("worker shutting down")
		return server.Stop(cmd.Context())
	},
}

// --- Dummy Subcommand ---

var dummyCmd = &cobra.Command{
	Use:   "dummy",
	Short: "Run internal dummy server",
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		dummy.Start(dummy.ServerConfig{Port: port})
		select {}
	},
}

func init() {
	workerCmd.Flags().IntP("port", "p", 8070, "Port the worker listens on")
	dummyCmd.Flags().IntP("port", "p", 8080, "Port to run dummy server on")
}
