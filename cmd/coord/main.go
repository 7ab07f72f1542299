package main

import (
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"neurograph/pregel"
	"neurograph/sim"
	"neurograph/util"
)

func main() {
	configPath := util.GetConfigPath(util.COORD)
	if len(os.Args) == 2 {
		configPath = os.Args[1]
	}
	var config util.CoordConfig
	err := util.ReadConfig(configPath, &config)
	util.CheckErr(err, "Error reading coord config: %v\n", err)

	logPath := config.LogPath
	if logPath == "" {
		logPath = "neurograph.log"
	}
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	util.CheckErr(err, "Error opening log file: %v\n", err)
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetPrefix("Coord: ")

	// superstep timings go to their own file
	timingFile, err := os.OpenFile("coord.log", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	util.CheckErr(err, "Error opening coord.log: %v\n", err)
	defer timingFile.Close()
	logger := log.New(timingFile, "", log.LstdFlags)

	server, err := pregel.NewCoordServer(config, sim.Runtime(), logger)
	util.CheckErr(err, "Error creating coord: %v\n", err)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Printf("main: shutting down\n")
		server.Stop()
	}()

	log.Printf(
		"main: workers on %v, clients on %v, http on %v\n",
		config.WorkerAPIListenAddr, config.ClientAPIListenAddr, config.ExternalAPIListenAddr,
	)
	if err := server.Start(); err != nil {
		log.Printf("main: coord stopped: %v\n", err)
	}
}
