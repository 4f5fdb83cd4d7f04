package banner

func GetString() string {
	ascii := `
   ____ ___  __________
  / __ '/ / / / ___/ __/
 / /_/ / /_/ (__  ) /_
 \__, /\__,_/____/\__/
/____/                 `

	return "\n" + ascii + "\n"
}
