// Package cli implements the interactive console for PacketRig: live
// session status, manual pings, and telemetry polling from the terminal.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/session"
	"github.com/packetrig-project/packetrig/internal/wire"
)

// CLI provides an interactive command-line interface.
type CLI struct {
	registry *session.Registry
	eventBus *events.EventBus
}

// NewCLI creates a new CLI handler.
func NewCLI(registry *session.Registry, eventBus *events.EventBus) *CLI {
	return &CLI{
		registry: registry,
		eventBus: eventBus,
	}
}

// Start begins the interactive CLI loop. It returns when the context is
// cancelled, stdin closes, or the user quits.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nPacketRig console ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Print("packetrig> ")
		if !scanner.Scan() {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if cmd == "quit" || cmd == "exit" || cmd == "q" {
			fmt.Println("Shutting down PacketRig...")
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
			return
		}

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus(args)
	case "ping":
		return c.cmdPing(ctx, args)
	case "poll":
		return c.cmdPoll(args)
	case "led":
		return c.cmdLED(args)
	case "stats":
		c.printStats(args)
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                   PacketRig Console Commands                 ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  status [session]   Show all sessions or one in detail      ║")
	fmt.Println("║  ping <session>     Round-trip ping on a session            ║")
	fmt.Println("║  poll <session> <n> Wait for n telemetry samples            ║")
	fmt.Println("║  led <session> <id> Toggle an LED (fire-and-forget)         ║")
	fmt.Println("║  stats [session]    Show correlation/framing counters       ║")
	fmt.Println("║  quit               Shutdown PacketRig                      ║")
	fmt.Println("║  help               Show this help message                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// lookup resolves a session name argument.
func (c *CLI) lookup(args []string) (*session.DeviceSession, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("session name required")
	}
	sess, ok := c.registry.Get(args[0])
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", args[0])
	}
	return sess, nil
}

// printStatus displays session status in a formatted table.
func (c *CLI) printStatus(args []string) {
	if len(args) > 0 {
		sess, err := c.lookup(args)
		if err != nil {
			fmt.Println(err)
			return
		}
		c.printSessionDetail(sess)
		return
	}

	fmt.Println()

	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Session", "Address", "State", "Decoded", "Sent", "Pending", "Unsolicited"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, name := range c.registry.Names() {
		sess, ok := c.registry.Get(name)
		if !ok {
			continue
		}
		st := sess.Stats()
		tw.Append([]string{
			name,
			sess.Address(),
			st.State.String(),
			fmt.Sprintf("%d", st.PacketsDecoded),
			fmt.Sprintf("%d", st.PacketsSent),
			fmt.Sprintf("%d", st.Correlation.Pending),
			fmt.Sprintf("%d", st.Correlation.Queued),
		})
	}

	tw.Render()
	fmt.Println()
}

// printSessionDetail prints detailed info for a single session.
func (c *CLI) printSessionDetail(sess *session.DeviceSession) {
	st := sess.Stats()
	fmt.Printf("\n  Session:          %s\n", sess.Name())
	fmt.Printf("  Address:          %s\n", sess.Address())
	fmt.Printf("  State:            %s\n", st.State)
	fmt.Printf("  Packets decoded:  %d\n", st.PacketsDecoded)
	fmt.Printf("  Packets sent:     %d\n", st.PacketsSent)
	fmt.Printf("  Skipped bytes:    %d\n", st.SkippedBytes)
	fmt.Printf("  Invalid dgrams:   %d\n", st.InvalidDatagrams)
	fmt.Printf("  Resolved:         %d\n", st.Correlation.Resolved)
	fmt.Printf("  Timed out:        %d\n", st.Correlation.TimedOut)
	fmt.Printf("  Unsolicited:      %d (dropped %d)\n", st.Correlation.Unsolicited, st.Correlation.Dropped)
	fmt.Println()
}

func (c *CLI) cmdPing(ctx context.Context, args []string) error {
	sess, err := c.lookup(args)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := sess.Ping(ctx, 5*time.Second)
	if err != nil {
		return err
	}
	fmt.Printf("pong seq=%d device_uptime=%dms rtt=%.2fms\n",
		resp.Seq, resp.Timestamp, float64(time.Since(start).Microseconds())/1000.0)
	return nil
}

func (c *CLI) cmdPoll(args []string) error {
	sess, err := c.lookup(args)
	if err != nil {
		return err
	}

	count := 1
	if len(args) >= 2 {
		count, err = strconv.Atoi(args[1])
		if err != nil || count < 1 {
			return fmt.Errorf("invalid count: %s", args[1])
		}
	}

	fmt.Printf("waiting for %d telemetry sample(s)...\n", count)
	pkts, err := sess.PollUnsolicited(func(p wire.Packet) bool {
		return p.ID == wire.PktIDSensorTemp
	}, count, 10*time.Second)
	if err != nil {
		return err
	}

	for _, pkt := range pkts {
		sample, perr := wire.ParseTemperature(pkt.Payload)
		if perr != nil {
			fmt.Printf("  counter=%d <unparseable: %v>\n", pkt.Counter, perr)
			continue
		}
		fmt.Printf("  counter=%d temp=%.2f°C humidity=%.2f%%\n",
			pkt.Counter, sample.Temperature, sample.Humidity)
	}
	if len(pkts) < count {
		fmt.Printf("timed out with %d of %d samples\n", len(pkts), count)
	}
	return nil
}

func (c *CLI) cmdLED(args []string) error {
	sess, err := c.lookup(args)
	if err != nil {
		return err
	}

	ledID := uint64(0)
	if len(args) >= 2 {
		ledID, err = strconv.ParseUint(args[1], 10, 8)
		if err != nil {
			return fmt.Errorf("invalid led id: %s", args[1])
		}
	}

	if err := sess.Send(wire.BuildLEDToggle(byte(ledID))); err != nil {
		return err
	}
	fmt.Printf("LED %d toggle sent on %s\n", ledID, sess.Name())
	return nil
}

// printStats shows counters for one session or all of them.
func (c *CLI) printStats(args []string) {
	names := c.registry.Names()
	if len(args) > 0 {
		names = args[:1]
	}

	for _, name := range names {
		sess, ok := c.registry.Get(name)
		if !ok {
			fmt.Printf("unknown session: %s\n", name)
			continue
		}
		c.printSessionDetail(sess)
	}
}
