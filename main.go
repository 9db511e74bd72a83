package main

import "github.com/RainyN0077/Discord-LLMs-ChatBot/cmd"

func main() {
	cmd.Execute()
}
