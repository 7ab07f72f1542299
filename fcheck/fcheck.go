/*
Package fchecker detects failed peers with UDP heartbeats.

A Responder acks every heartbeat it receives. A Monitor sends heartbeats to
one Responder and reports a failure once LostMsgThresh consecutive
heartbeats go unacknowledged within the round-trip estimate.
*/
package fchecker

import (
	"bytes"
	"encoding/gob"
	"errors"
	"log"
	"net"
	"sync"
	"time"
)

const (
	DefaultRTT           = 3 * time.Second
	DefaultLostMsgThresh = 3
	minRTT               = 50 * time.Millisecond
	maxDatagram          = 1024
)

// HBeatMessage is sent by a Monitor
type HBeatMessage struct {
	EpochNonce uint64 // Identifies this fchecker instance/epoch.
	SeqNum     uint64 // Unique for each heartbeat in an epoch.
}

// AckMessage answers a heartbeat
type AckMessage struct {
	HBEatEpochNonce uint64 // Copy of what was received in the heartbeat.
	HBEatSeqNum     uint64 // Copy of what was received in the heartbeat.
}

// FailureDetected is delivered once on a Monitor's notify channel
type FailureDetected struct {
	UDPIpPort string
	ServerId  uint32
	Timestamp time.Time
}

type StartStruct struct {
	EpochNonce                   uint64
	HBeatLocalIPHBeatLocalPort   string
	HBeatRemoteIPHBeatRemotePort string
	LostMsgThresh                uint8
	ServerId                     uint32
	RTT                          time.Duration // initial round-trip estimate
}

func encode(msg interface{}) ([]byte, error) {
	var msgBuf bytes.Buffer
	if err := gob.NewEncoder(&msgBuf).Encode(msg); err != nil {
		return nil, err
	}
	return msgBuf.Bytes(), nil
}

func decode(data []byte, msg interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(msg)
}

// Responder acks heartbeats on a UDP address
type Responder struct {
	conn     *net.UDPConn
	stopOnce sync.Once
	done     chan struct{}
}

// Respond starts acking heartbeats received on ackLocalAddr ("host:0" picks a
// free port)
func Respond(ackLocalAddr string) (*Responder, error) {
	addr, err := net.ResolveUDPAddr("udp", ackLocalAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	r := &Responder{conn: conn, done: make(chan struct{})}
	go r.respond()
	return r, nil
}

func (r *Responder) Addr() string {
	return r.conn.LocalAddr().String()
}

func (r *Responder) respond() {
	defer close(r.done)
	buf := make([]byte, maxDatagram)
	for {
		n, srcAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			// closed by Stop
			return
		}
		var hBeat HBeatMessage
		if err := decode(buf[:n], &hBeat); err != nil {
			log.Printf("fcheck: respond: dropping malformed heartbeat from %v: %v\n", srcAddr, err)
			continue
		}
		ack, err := encode(
			AckMessage{
				HBEatEpochNonce: hBeat.EpochNonce,
				HBEatSeqNum:     hBeat.SeqNum,
			},
		)
		if err != nil {
			log.Printf("fcheck: respond: encode error: %v\n", err)
			continue
		}
		if _, err := r.conn.WriteToUDP(ack, srcAddr); err != nil {
			log.Printf("fcheck: respond: UDP write error: %v\n", err)
		}
	}
}

// Stop closes the socket; later heartbeats go unanswered
func (r *Responder) Stop() {
	r.stopOnce.Do(
		func() {
			r.conn.Close()
			<-r.done
		},
	)
}

// Monitor watches a single Responder
type Monitor struct {
	arg      StartStruct
	conn     *net.UDPConn
	notifyCh chan FailureDetected
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Start begins monitoring arg.HBeatRemoteIPHBeatRemotePort
func Start(arg StartStruct) (*Monitor, error) {
	if arg.HBeatRemoteIPHBeatRemotePort == "" {
		return nil, errors.New("fcheck: Start: no remote address to monitor")
	}
	if arg.RTT <= 0 {
		arg.RTT = DefaultRTT
	}
	if arg.LostMsgThresh == 0 {
		arg.LostMsgThresh = DefaultLostMsgThresh
	}

	var localAddr *net.UDPAddr
	var err error
	if arg.HBeatLocalIPHBeatLocalPort != "" {
		localAddr, err = net.ResolveUDPAddr("udp", arg.HBeatLocalIPHBeatLocalPort)
		if err != nil {
			return nil, err
		}
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", arg.HBeatRemoteIPHBeatRemotePort)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", localAddr, remoteAddr)
	if err != nil {
		return nil, err
	}

	m := &Monitor{
		arg:      arg,
		conn:     conn,
		notifyCh: make(chan FailureDetected, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.monitor()
	return m, nil
}

// Notify delivers at most one failure and is closed when monitoring ends
func (m *Monitor) Notify() <-chan FailureDetected {
	return m.notifyCh
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Monitor) monitor() {
	defer close(m.notifyCh)
	defer close(m.done)
	defer m.conn.Close()

	log.Printf(
		"fcheck for server %v: monitor: watching %v from %v\n",
		m.arg.ServerId, m.conn.RemoteAddr(), m.conn.LocalAddr(),
	)

	rtt := m.arg.RTT
	lostMsgs := uint8(0)
	seqNum := uint64(0)
	sendTimes := make(map[uint64]time.Time)
	buf := make([]byte, maxDatagram)

	for !m.stopped() {
		hBeat, err := encode(HBeatMessage{EpochNonce: m.arg.EpochNonce, SeqNum: seqNum})
		if err != nil {
			log.Printf("fcheck: monitor: encode error: %v\n", err)
			return
		}
		sendTimes[seqNum] = time.Now()
		// a failed write counts as a lost heartbeat below
		m.conn.Write(hBeat)

		acked := m.awaitAck(buf, seqNum, rtt, sendTimes)
		if m.stopped() {
			return
		}
		if acked > 0 {
			// moving average of the measured round trip
			rtt = (rtt + acked) / 2
			if rtt < minRTT {
				rtt = minRTT
			}
			lostMsgs = 0
			delete(sendTimes, seqNum)
			seqNum++
			// pace heartbeats at the round trip estimate
			select {
			case <-m.stop:
				return
			case <-time.After(rtt):
			}
			continue
		}

		lostMsgs++
		delete(sendTimes, seqNum)
		seqNum++
		if lostMsgs >= m.arg.LostMsgThresh {
			log.Printf(
				"fcheck: monitor: server %v at %v failed after %d lost heartbeats\n",
				m.arg.ServerId, m.arg.HBeatRemoteIPHBeatRemotePort, lostMsgs,
			)
			m.notifyCh <- FailureDetected{
				UDPIpPort: m.arg.HBeatRemoteIPHBeatRemotePort,
				ServerId:  m.arg.ServerId,
				Timestamp: time.Now(),
			}
			return
		}
	}
}

// awaitAck reads until the ack of heartbeat seqNum arrives or rtt expires. It
// returns the measured round trip, or 0 if nothing usable arrived.
func (m *Monitor) awaitAck(
	buf []byte, seqNum uint64, rtt time.Duration, sendTimes map[uint64]time.Time,
) time.Duration {
	deadline := time.Now().Add(rtt)
	for {
		if err := m.conn.SetReadDeadline(deadline); err != nil {
			return 0
		}
		n, err := m.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0
			}
			// refused or closed: wait out the deadline so losses are paced
			select {
			case <-m.stop:
			case <-time.After(time.Until(deadline)):
			}
			return 0
		}
		var ack AckMessage
		if err := decode(buf[:n], &ack); err != nil {
			continue
		}
		if ack.HBEatEpochNonce != m.arg.EpochNonce {
			continue
		}
		// late acks of heartbeats already counted lost do not count
		if ack.HBEatSeqNum != seqNum {
			continue
		}
		measured := time.Since(sendTimes[seqNum])
		if measured <= 0 {
			measured = time.Microsecond
		}
		return measured
	}
}

// Stop ends monitoring; no notification is sent afterwards
func (m *Monitor) Stop() {
	m.stopOnce.Do(
		func() {
			close(m.stop)
			m.conn.SetReadDeadline(time.Now())
			<-m.done
		},
	)
}
