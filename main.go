package main

import "github.com/Martian-dev/mailbrain/internal/app"

func main() {
	app.Execute()
}
