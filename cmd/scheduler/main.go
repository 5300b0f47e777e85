package main

import "github.com/ChuLiYu/beaver-scheduler/internal/cli"

func main() {
	cli.Execute()
}
