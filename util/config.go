package util

import (
	"encoding/json"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"
)

// ReadJSONConfig decodes the JSON file filename into config
func ReadJSONConfig(filename string, config interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	err = json.Unmarshal(configData, config)
	if err != nil {
		return fmt.Errorf("ReadJSONConfig: %v: %w", filename, err)
	}
	return nil
}

// ReadConfig decodes filename as YAML when it ends in .yaml or .yml and as
// JSON otherwise
func ReadConfig(filename string, config interface{}) error {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		configData, err := os.ReadFile(filename)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(configData, config); err != nil {
			return fmt.Errorf("ReadConfig: %v: %w", filename, err)
		}
		return nil
	default:
		return ReadJSONConfig(filename, config)
	}
}

func WriteJSONConfig(filename string, config interface{}) error {
	configData, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, append(configData, '\n'), 0644)
}

func CheckErr(err error, errfmsg string, fargs ...interface{}) {
	if err != nil {
		fmt.Fprintf(os.Stderr, errfmsg, fargs...)
		fmt.Fprintf(os.Stderr, ": %v\n", err)
		os.Exit(1)
	}
}

func DialTCPCustom(localAddr string, remoteAddr string) (*net.TCPConn, error) {
	var laddr *net.TCPAddr
	var err error

	if localAddr != "" {
		laddr, err = net.ResolveTCPAddr("tcp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("could not resolve local address %v: %w", localAddr, err)
		}
	}

	raddr, err := net.ResolveTCPAddr("tcp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("could not resolve remote address %v: %w", remoteAddr, err)
	}

	return net.DialTCP("tcp", laddr, raddr)
}

// IPEmptyPortOnly keeps the host of addr and asks the OS for a free port
func IPEmptyPortOnly(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, "0"), nil
}

// DialRPC dials an rpc server, retrying with exponential backoff for up to
// maxWait. The peer may still be starting up.
func DialRPC(localAddr string, remoteAddr string, maxWait time.Duration) (*rpc.Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = maxWait

	var client *rpc.Client
	operation := func() error {
		conn, err := DialTCPCustom(localAddr, remoteAddr)
		if err != nil {
			return err
		}
		client = rpc.NewClient(conn)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		fmt.Fprintf(os.Stderr, "DialRPC: %v unreachable (%v), retrying in %v\n", remoteAddr, err, wait)
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("DialRPC: could not reach %v: %w", remoteAddr, err)
	}
	return client, nil
}
