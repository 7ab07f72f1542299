package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"neurograph/neuron"
	"neurograph/pregel"
	"neurograph/sim"
	"neurograph/util"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: ./bin/worker [workerId...]")
		fmt.Println("example ./bin/worker 1 2 3")
		return
	}

	logFile, err := os.OpenFile("neurograph.log", os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	util.CheckErr(err, "Error opening log file: %v\n", err)
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))

	var servers []*pregel.WorkerServer[neuron.State]
	for _, arg := range os.Args[1:] {
		workerId, err := strconv.ParseUint(arg, 10, 32)
		util.CheckErr(err, "Invalid worker id %q: %v\n", arg, err)

		var config util.WorkerConfig
		err = util.ReadConfig(util.WorkerConfigPath(uint32(workerId)), &config)
		util.CheckErr(err, "Error reading worker %v config: %v\n", workerId, err)

		server, err := pregel.NewWorkerServer(config, sim.Runtime())
		util.CheckErr(err, "Error creating worker %v: %v\n", workerId, err)
		err = server.Start()
		util.CheckErr(err, "Error starting worker %v: %v\n", workerId, err)
		log.Printf("main: worker %v listening on %v\n", workerId, server.Addr())
		servers = append(servers, server)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(len(servers))
	for _, server := range servers {
		server := server
		go func() {
			defer wg.Done()
			select {
			case <-server.Done():
			case <-signals:
				// the first signal stops every worker
				for _, s := range servers {
					s.Stop()
				}
			}
		}()
	}
	wg.Wait()
}
