// Command espflash is the CLI front end over the protocol engine in
// internal/flasher: it owns flag parsing, port selection, file I/O,
// and progress/trace rendering, and has no protocol knowledge of its
// own beyond calling into flasher.Session (read-reg also uses
// internal/protocol's ReadReg opcode and body encoder).
package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Fprintln(os.Stderr, `espflash <command> [flags]

Commands:
  ports                    list available serial ports
  id                       identify the connected chip and attached flash
  flash                    write one or more binary images to flash
                           (espflash flash -port X app.bin@0x10000 fs.bin@0x200000)
  run-stub                 upload and activate a RAM stub
  read-reg                 read a 32-bit register
  reboot                   reset the target without flashing`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "ports":
		err = runPorts(os.Args[2:])
	case "id":
		err = runIdentify(os.Args[2:])
	case "flash":
		err = runFlash(os.Args[2:])
	case "run-stub":
		err = runRunStub(os.Args[2:])
	case "read-reg":
		err = runReadReg(os.Args[2:])
	case "reboot":
		err = runReboot(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "espflash: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "espflash: %v\n", err)
		os.Exit(1)
	}
}
