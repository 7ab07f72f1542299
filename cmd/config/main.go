package main

import (
	"fmt"
	"os"
	"strconv"

	"neurograph/util"
)

const defaultBasePort = 43460

func usage() {
	fmt.Println("usage: ./bin/config [sync|port] [basePort]")
	fmt.Println("example ./bin/config sync")
	fmt.Println("example ./bin/config port 43460")
}

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		usage()
		return
	}

	if os.Args[1] == "sync" {
		err := util.SynchronizeConfigs()
		if err != nil {
			fmt.Println("Failed to synchronize config files", err)
		}
	} else if os.Args[1] == "port" {
		basePort := defaultBasePort
		if len(os.Args) == 3 {
			port, err := strconv.Atoi(os.Args[2])
			if err != nil {
				fmt.Println("Invalid base port", os.Args[2])
				return
			}
			basePort = port
		}
		err := util.AssignPorts(basePort)
		if err != nil {
			fmt.Println("Failed to assign port numbers to workers", err)
		}
	} else {
		usage()
	}
}
