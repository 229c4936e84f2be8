// Package cul talks to a CUL or COC stick running culfw in BidCoS
// mode. Packets are exchanged as lines of hex: received packets start
// with "A", packets to send are prefixed with "As".
package cul

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/stapelberg/hmcentral/internal/bidcos"
	"github.com/stapelberg/hmcentral/internal/logging"
	"github.com/stapelberg/hmcentral/internal/phy"
)

var ErrNotOpen = errors.New("CUL not open")

// Opener opens the serial port. It is a variable to allow tests to
// substitute a pipe.
type Opener func(portName string, baud int) (io.ReadWriteCloser, error)

func openSerial(portName string, baud int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	// Discard whatever culfw printed while booting.
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

type CUL struct {
	phy.Listeners

	portName string
	baud     int
	open     Opener

	mu   sync.Mutex
	port io.ReadWriteCloser
	done chan struct{}
}

func New(portName string, baud int) *CUL {
	return NewWithOpener(portName, baud, openSerial)
}

func NewWithOpener(portName string, baud int, open Opener) *CUL {
	c := &CUL{
		portName: portName,
		baud:     baud,
		open:     open,
	}
	c.Listeners.Name = "cul:" + portName
	return c
}

func (c *CUL) String() string {
	return fmt.Sprintf("CUL(%s)", c.portName)
}

func (c *CUL) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port != nil
}

func (c *CUL) writeLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ErrNotOpen
	}
	_, err := io.WriteString(c.port, line+"\r\n")
	return err
}

// StartListening opens the port, switches culfw into BidCoS mode and
// starts the read loop.
func (c *CUL) StartListening() error {
	logging.L().Infof("opening serial port %s", c.portName)
	port, err := c.open(c.portName, c.baud)
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.portName, err)
	}
	c.mu.Lock()
	c.port = port
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	// X21: report RSSI, Ar: enable BidCoS receive mode
	for _, cmd := range []string{"X21", "Ar"} {
		if err := c.writeLine(cmd); err != nil {
			// The read loop is not running yet, so done is never closed.
			c.mu.Lock()
			c.port = nil
			c.mu.Unlock()
			port.Close()
			return fmt.Errorf("initializing %v: %w", c, err)
		}
	}

	go c.readLoop(port, done)
	return nil
}

func (c *CUL) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] != 'A' {
			if line == "LOVF" {
				logging.L().Warnf("%v: LOVF, transmit duty cycle exhausted", c)
			} else {
				logging.L().Debugf("%v: %q", c, line)
			}
			continue
		}
		pkt, err := bidcos.DecodeHex(line, true)
		if err != nil {
			logging.L().Infof("%v: skipping invalid packet %q: %v", c, line, err)
			continue
		}
		pkt.Received = time.Now()
		c.Deliver(pkt)
	}
	if err := scanner.Err(); err != nil {
		logging.L().Errorf("%v: reading: %v", c, err)
	}
}

// StopListening disables BidCoS mode, closes the port and waits for
// the read loop to return.
func (c *CUL) StopListening() error {
	c.writeLine("Ax")
	c.writeLine("X00")

	c.mu.Lock()
	port, done := c.port, c.done
	c.port = nil
	c.mu.Unlock()
	if port == nil {
		return nil
	}
	err := port.Close()
	<-done
	return err
}

func (c *CUL) SendPacket(pkt *bidcos.Packet) error {
	h := pkt.EncodeHex()
	if h == "" {
		return fmt.Errorf("cannot encode %v", pkt)
	}
	if err := c.writeLine("As" + h); err != nil {
		return err
	}
	c.CountSent()
	return nil
}
