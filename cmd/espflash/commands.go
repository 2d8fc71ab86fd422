package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
	"go.bug.st/serial"

	"espflash/internal/chip"
	"espflash/internal/events"
	"espflash/internal/flasher"
	"espflash/internal/protocol"
	"espflash/internal/serialport"
)

// commonFlags holds the port/baud/trace options every subcommand but
// "ports" accepts.
type commonFlags struct {
	port    string
	baud    int
	manual  bool
	trace   bool
	noStub  bool
	stubBin string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.port, "port", "", "serial port device (required)")
	fs.IntVar(&c.baud, "baud", 115200, "baud rate to use once connected")
	fs.BoolVar(&c.manual, "manual", false, "skip reset sequencing; target is already in the bootloader")
	fs.BoolVar(&c.trace, "trace", false, "print every protocol event to stderr")
	fs.BoolVar(&c.noStub, "no-stub", false, "talk to the ROM loader only, never upload the stub")
	fs.StringVar(&c.stubBin, "stub", "", "path to a stub blob to activate (required unless -no-stub is given)")
}

func runPorts(args []string) error {
	fs := flag.NewFlagSet("ports", flag.ExitOnError)
	fs.Parse(args)

	names, err := serial.GetPortsList()
	if err != nil {
		return fmt.Errorf("listing ports: %w", err)
	}
	if len(names) == 0 {
		fmt.Println("no serial ports found")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

// openSession opens the named port, wires a Tracer if requested, and
// drives the connect handshake (reset+sync, or Sync-only in manual
// mode) followed by chip identification. Callers get back a session
// addressed at the ROM loader (or the stub, once activated) and the
// chip-table lookup report Identify resolved.
func openSession(cf *commonFlags) (*flasher.Session, chip.Info, func(), error) {
	if cf.port == "" {
		return nil, chip.Info{}, nil, fmt.Errorf("-port is required")
	}

	bus := &events.Bus{}
	var traceHandle events.Handle
	if cf.trace {
		out := colorable.NewColorableStderr()
		tracer := &events.Tracer{Out: out, Predicate: func(events.Event) bool { return true }}
		traceHandle = bus.Register(tracer)
	}

	port, err := serialport.Open(cf.port, 115200, bus)
	if err != nil {
		return nil, chip.Info{}, nil, fmt.Errorf("opening %s: %w", cf.port, err)
	}

	sess := flasher.Open(port, bus)
	cleanup := func() {
		if cf.trace {
			bus.Remove(traceHandle)
		}
		sess.Close()
	}

	if cf.manual {
		err = sess.ConnectManual()
	} else {
		err = sess.Connect()
	}
	if err != nil {
		cleanup()
		return nil, chip.Info{}, nil, fmt.Errorf("connecting: %w", err)
	}

	info, err := sess.Identify()
	if err != nil {
		cleanup()
		return nil, chip.Info{}, nil, fmt.Errorf("identifying chip: %w", err)
	}

	if cf.baud != 115200 {
		if err := sess.ChangeBaudRate(cf.baud); err != nil {
			cleanup()
			return nil, chip.Info{}, nil, fmt.Errorf("changing baud rate: %w", err)
		}
	}

	if !cf.noStub {
		blob := cf.stubBin
		if blob == "" {
			cleanup()
			return nil, chip.Info{}, nil, fmt.Errorf("stub activation requires -stub (or pass -no-stub to talk to the ROM loader directly)")
		}
		data, err := os.ReadFile(blob)
		if err != nil {
			cleanup()
			return nil, chip.Info{}, nil, fmt.Errorf("reading stub %s: %w", blob, err)
		}
		if err := sess.RunStub(data); err != nil {
			cleanup()
			return nil, chip.Info{}, nil, fmt.Errorf("activating stub: %w", err)
		}
	}

	return sess, info, cleanup, nil
}

func runIdentify(args []string) error {
	var cf commonFlags
	fs := flag.NewFlagSet("id", flag.ExitOnError)
	cf.register(fs)
	fs.Parse(args)

	sess, info, cleanup, err := openSession(&cf)
	if err != nil {
		return err
	}
	defer cleanup()

	fmt.Printf("chip:      %s\n", info)
	fmt.Printf("peer mode: %s\n", sess.Peer())

	if err := sess.Attach(0); err != nil {
		return fmt.Errorf("attaching SPI flash: %w", err)
	}
	mfg, dev, err := sess.FlashID()
	if err != nil {
		return fmt.Errorf("reading flash id: %w", err)
	}
	fmt.Printf("flash id:  manufacturer=0x%02x device=0x%04x\n", mfg, dev)
	return nil
}

func runReadReg(args []string) error {
	var cf commonFlags
	var addrHex string
	fs := flag.NewFlagSet("read-reg", flag.ExitOnError)
	cf.register(fs)
	fs.StringVar(&addrHex, "addr", "", "register address, hex (e.g. 0x3ff00050)")
	fs.Parse(args)

	var addr uint32
	if _, err := fmt.Sscanf(addrHex, "0x%x", &addr); err != nil {
		return fmt.Errorf("invalid -addr %q: %w", addrHex, err)
	}

	sess, _, cleanup, err := openSession(&cf)
	if err != nil {
		return err
	}
	defer cleanup()

	value, _, err := sess.Command(protocol.ReadReg, protocol.ReadRegBody(addr), flasher.DefaultTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("0x%08x = 0x%08x\n", addr, value)
	return nil
}

func runReboot(args []string) error {
	var cf commonFlags
	fs := flag.NewFlagSet("reboot", flag.ExitOnError)
	cf.register(fs)
	fs.Parse(args)

	if cf.port == "" {
		return fmt.Errorf("-port is required")
	}
	bus := &events.Bus{}
	port, err := serialport.Open(cf.port, 115200, bus)
	if err != nil {
		return err
	}
	defer port.Close()

	sess := flasher.Open(port, bus)
	return sess.HardReset(false)
}

func runRunStub(args []string) error {
	var cf commonFlags
	fs := flag.NewFlagSet("run-stub", flag.ExitOnError)
	cf.register(fs)
	fs.Parse(args)

	cf.noStub = true // openSession's own stub step is skipped; we do it explicitly below
	sess, _, cleanup, err := openSession(&cf)
	if err != nil {
		return err
	}
	defer cleanup()

	if cf.stubBin == "" {
		return fmt.Errorf("-stub is required")
	}
	data, err := os.ReadFile(cf.stubBin)
	if err != nil {
		return err
	}
	if err := sess.RunStub(data); err != nil {
		return err
	}
	fmt.Println("stub active")
	return nil
}

// flashJob is one file/offset pair to write in a single flash
// session, the CLI shape of the teacher's FlashMultipleFiles: one
// session, several offset/data pairs, each a plain call to
// flasher.Session.WriteFlash.
type flashJob struct {
	path   string
	offset uint32
	data   []byte
}

// parseFlashArgs turns the command's positional arguments into a list
// of flash jobs. A single bare path uses -offset. Two or more paths
// each require an explicit "path@0xOFFSET" so the caller never has to
// guess which file goes where.
func parseFlashArgs(paths []string, defaultOffsetHex string) ([]flashJob, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("usage: espflash flash -port <port> [-offset <hex>] <file.bin>[@0xOFFSET] ...")
	}

	jobs := make([]flashJob, 0, len(paths))
	for _, p := range paths {
		path := p
		offsetHex := defaultOffsetHex
		if idx := strings.IndexByte(p, '@'); idx >= 0 {
			path = p[:idx]
			offsetHex = p[idx+1:]
		} else if len(paths) > 1 {
			return nil, fmt.Errorf("%s: multiple files require an explicit @0xOFFSET each", p)
		}

		var offset uint32
		if _, err := fmt.Sscanf(offsetHex, "0x%x", &offset); err != nil {
			return nil, fmt.Errorf("invalid offset %q for %s: %w", offsetHex, path, err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, flashJob{path: path, offset: offset, data: data})
	}
	return jobs, nil
}

func runFlash(args []string) error {
	var cf commonFlags
	var offsetHex string
	var compress, reboot bool
	fs := flag.NewFlagSet("flash", flag.ExitOnError)
	cf.register(fs)
	fs.StringVar(&offsetHex, "offset", "0x10000", "flash offset, hex, sector (4096-byte) aligned; ignored once more than one file is given")
	fs.BoolVar(&compress, "compress", true, "DEFLATE-compress the payload before upload")
	fs.BoolVar(&reboot, "reboot", true, "reboot the target once every file has been written")
	fs.Parse(args)

	jobs, err := parseFlashArgs(fs.Args(), offsetHex)
	if err != nil {
		return err
	}

	sess, _, cleanup, err := openSession(&cf)
	if err != nil {
		return err
	}
	defer cleanup()

	if sess.Chip() == chip.ESP8266 {
		return fmt.Errorf("ESP8266 flashing is not supported by this build")
	}
	if err := sess.Attach(0); err != nil {
		return fmt.Errorf("attaching SPI flash: %w", err)
	}

	start := time.Now()
	for i, job := range jobs {
		total := bytesize.New(float64(len(job.data)))
		fmt.Printf("writing %s (%s) to 0x%08x\n", job.path, total, job.offset)

		jobReboot := reboot && i == len(jobs)-1
		if err := sess.WriteFlash(job.data, job.offset, compress, jobReboot); err != nil {
			return fmt.Errorf("%s: %w", job.path, err)
		}

		digest, err := sess.FlashMD5(job.offset, uint32(len(job.data)))
		if err != nil {
			return fmt.Errorf("%s: verifying: %w", job.path, err)
		}
		fmt.Printf("wrote %s, md5=%x\n", job.path, digest)
	}
	fmt.Printf("done in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
