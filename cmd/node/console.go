package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"acoustic_arq/package/mac"
	"acoustic_arq/package/shared"
	"acoustic_arq/package/tunnel"
)

type commandKind int

const (
	cmdSay commandKind = iota
	cmdPing
	cmdExit
	cmdNone
)

type command struct {
	kind  commandKind
	text  string
	ip    net.IP
	count int
}

// parseCommand reads one console line: "exit", "ping <ip> [-n count]" or
// text to send.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{kind: cmdNone}, nil
	}
	switch fields[0] {
	case "exit", "quit":
		return command{kind: cmdExit}, nil
	case "ping", "/ping":
		if len(fields) < 2 {
			return command{}, fmt.Errorf("usage: ping <ip> [-n count]")
		}
		ip := net.ParseIP(fields[1])
		if ip == nil || ip.To4() == nil {
			return command{}, fmt.Errorf("invalid IPv4 address %q", fields[1])
		}
		count := 1
		if len(fields) == 4 && fields[2] == "-n" {
			n, err := strconv.Atoi(fields[3])
			if err != nil || n < 1 {
				return command{}, fmt.Errorf("invalid count %q", fields[3])
			}
			count = n
		} else if len(fields) != 2 {
			return command{}, fmt.Errorf("usage: ping <ip> [-n count]")
		}
		return command{kind: cmdPing, ip: ip, count: count}, nil
	}
	return command{kind: cmdSay, text: line}, nil
}

// chunkText splits text into payloads of at most maxBits, on byte boundaries.
// A limit below one byte still yields one-byte chunks, which the link rejects.
func chunkText(text string, maxBits int) []shared.Bits {
	data := []byte(text)
	step := max(maxBits/8, 1)
	var out []shared.Bits
	for off := 0; off < len(data); off += step {
		out = append(out, shared.BytesToBits(data[off:min(off+step, len(data))]))
	}
	return out
}

type sender interface {
	Send(ctx context.Context, payload shared.Bits) error
	Receive(ctx context.Context) (mac.Delivery, error)
	MaxPayloadBits() int
}

type console struct {
	link   sender
	bridge *tunnel.Bridge
	out    io.Writer
	logger *log.Logger
}

func newConsole(link sender, bridge *tunnel.Bridge, out io.Writer, logger *log.Logger) *console {
	return &console{link: link, bridge: bridge, out: out, logger: logger}
}

// serve runs commands from in until exit, EOF or ctx ends.
func (c *console) serve(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	if c.bridge != nil {
		fmt.Fprintln(c.out, "enter ping <ip> [-n count] or exit to quit...")
	} else {
		fmt.Fprintln(c.out, "enter text to send or exit to quit...")
	}
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintln(c.out, err)
			continue
		}
		switch cmd.kind {
		case cmdExit:
			fmt.Fprintln(c.out, "exit")
			return
		case cmdPing:
			c.ping(ctx, cmd.ip, cmd.count)
		case cmdSay:
			if c.bridge != nil {
				fmt.Fprintln(c.out, "the link carries IP packets in tunnel mode; only ping is available")
				continue
			}
			c.say(ctx, cmd.text)
		}
	}
}

func (c *console) say(ctx context.Context, text string) {
	start := time.Now()
	for _, payload := range chunkText(text, c.link.MaxPayloadBits()) {
		if err := c.link.Send(ctx, payload); err != nil {
			fmt.Fprintf(c.out, "send failed: %v\n", err)
			return
		}
	}
	c.logger.Debug("message delivered", "bytes", len(text), "elapsed", time.Since(start))
}

func (c *console) ping(ctx context.Context, ip net.IP, count int) {
	if c.bridge == nil {
		fmt.Fprintln(c.out, "ping needs --tun")
		return
	}
	fmt.Fprintln(c.out, "Ping", ip, "with", count, "packets")
	for seq := 0; seq < count; seq++ {
		rtt, err := c.bridge.Ping(ctx, ip, uint16(seq), 10*time.Second)
		if err != nil {
			fmt.Fprintf(c.out, "seq=%d: %v\n", seq, err)
			continue
		}
		fmt.Fprintf(c.out, "Reply from %s: seq=%d time=%v\n", ip, seq, rtt.Round(time.Millisecond))
	}
}

// printDeliveries writes every received payload as text.
func (c *console) printDeliveries(ctx context.Context) error {
	for {
		d, err := c.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fmt.Fprintf(c.out, "[%d] %s\n", d.Src, shared.BitsToBytes(d.Payload))
	}
}
