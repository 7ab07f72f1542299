package util

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

/*
	Config files re-stated here to avoid circular dependency
		neurograph/pregel imports neurograph/util
*/

type CoordConfig struct {
	ClientAPIListenAddr   string // clients contact the coord here over gRPC
	WorkerAPIListenAddr   string // new joining workers message this addr
	ExternalAPIListenAddr string // HTTP status API and grpc-web
	LostMsgsThresh        uint8  // fcheck
	AllowLocalWorkers     bool   // run jobs in-process without enough workers
	LogPath               string
	Job                   JobDefaults
}

// JobDefaults fills fields a submitted job leaves empty
type JobDefaults struct {
	MaxSupersteps uint64
	HaltPolicy    string
	NonFinite     string
	OutputEvery   uint64
	OutputPath    string
	GraphKind     string
	GraphLocation string
}

type WorkerConfig struct {
	WorkerId              uint32
	CoordAddr             string
	WorkerAddr            string
	WorkerListenAddr      string
	FCheckAckLocalAddress string
}

type ClientConfig struct {
	ClientId   string
	CoordAddr  string
	ClientAddr string
}

const (
	WORKERS = "worker"
	CLIENT  = "client"
	COORD   = "coord_config.json"
)

var ConfigDir = "config"

// SynchronizeConfigs points every client and worker config at the addresses
// the coord config listens on
func SynchronizeConfigs() error {
	files, err := os.ReadDir(ConfigDir)
	if err != nil {
		return err
	}

	var coord CoordConfig
	err = ReadJSONConfig(GetConfigPath(COORD), &coord)
	if err != nil {
		return err
	}

	for _, file := range files {
		filename := file.Name()

		if IsClientConfig(filename) {
			var client ClientConfig
			if err := ReadJSONConfig(GetConfigPath(filename), &client); err != nil {
				return err
			}
			client.CoordAddr = coord.ClientAPIListenAddr
			if err := WriteJSONConfig(GetConfigPath(filename), client); err != nil {
				return err
			}
		}
		if IsWorkerConfig(filename) {
			var worker WorkerConfig
			if err := ReadJSONConfig(GetConfigPath(filename), &worker); err != nil {
				return err
			}
			worker.CoordAddr = coord.WorkerAPIListenAddr
			if err := WriteJSONConfig(GetConfigPath(filename), worker); err != nil {
				return err
			}
		}
	}
	return nil
}

// AssignPorts gives the worker configs consecutive ports starting at
// basePort, three per worker: rpc, listen and fcheck. Workers are ordered by
// WorkerId.
func AssignPorts(basePort int) error {
	files, err := os.ReadDir(ConfigDir)
	if err != nil {
		return err
	}

	workers := make(map[string]WorkerConfig)
	var names []string
	for _, file := range files {
		filename := file.Name()
		if !IsWorkerConfig(filename) {
			continue
		}
		var worker WorkerConfig
		if err := ReadJSONConfig(GetConfigPath(filename), &worker); err != nil {
			return err
		}
		workers[filename] = worker
		names = append(names, filename)
	}
	sort.Slice(
		names, func(i, j int) bool {
			return workers[names[i]].WorkerId < workers[names[j]].WorkerId
		},
	)

	port := basePort
	for _, filename := range names {
		worker := workers[filename]
		worker.WorkerAddr = withPort(worker.WorkerAddr, port)
		worker.WorkerListenAddr = withPort(worker.WorkerListenAddr, port+1)
		worker.FCheckAckLocalAddress = withPort(worker.FCheckAckLocalAddress, port+2)
		port += 3
		if err := WriteJSONConfig(GetConfigPath(filename), worker); err != nil {
			return err
		}
	}
	return nil
}

func withPort(addr string, port int) string {
	host := "127.0.0.1"
	if h, _, err := net.SplitHostPort(addr); err == nil && h != "" {
		host = h
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func IsClientConfig(filename string) bool {
	return strings.HasPrefix(filename, CLIENT)
}

func IsWorkerConfig(filename string) bool {
	return strings.HasPrefix(filename, WORKERS)
}

func GetConfigPath(filename string) string {
	return filepath.Join(ConfigDir, filename)
}

func WorkerConfigPath(workerId uint32) string {
	return GetConfigPath(fmt.Sprintf("worker%v_config.json", workerId))
}
