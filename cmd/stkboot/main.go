package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"os/signal"
	"sort"

	"github.com/avrtools/stkboot"
	"github.com/avrtools/stkboot/ihex"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var commands = map[string]func(context.Context, *stkboot.Programmer, []string){
	"info":      processInfo,
	"readflash": processReadFlash,
	"readee":    processReadEE,
}

type config struct {
	Device  string           `yaml:"device"`
	Options stkboot.Options  `yaml:"options"`
	Devices []stkboot.Device `yaml:"devices"`
}

const appVersion = "0.1.0"

func main() {
	version := flag.Bool("version", false, "Prints the program version.")
	port := flag.String("port", "", "Serial port name.")
	baud := flag.Int("baud", 0, "Baud rate of the bootloader. Overrides the config file.")
	deviceName := flag.String("device", "", "Device name. Overrides the config file. Defaults to atmega328p.")
	eeprom := flag.String("eeprom", "", "Hex file to program into the EEPROM.")
	checkSignature := flag.Bool("check-signature", false, "Refuse to program a device whose signature does not match.")
	verify := flag.Bool("verify", false, "Read back and compare every written page.")
	list := flag.Bool("list", false, "List the serial ports and exit.")
	verbose := flag.Bool("v", false, "Enable verbose logging.")
	before := flag.String("before", "", "Command to run before programming.")
	after := flag.String("after", "", "Command to run after programming has been completed successfully.")

	// Format the built-in settings in YAML format as an example.
	buf := new(bytes.Buffer)
	enc := yaml.NewEncoder(buf)
	enc.Encode(config{
		Device:  stkboot.ATmega328P.Name,
		Options: stkboot.DefaultOptions(),
		Devices: []stkboot.Device{stkboot.ATmega328P},
	})
	configFile := flag.String("config", "", "Config yaml file. Example:\n\n"+buf.String())

	cmdList := []string{}
	for key := range commands {
		cmdList = append(cmdList, key)
	}
	sort.Strings(cmdList)
	command := flag.String("cmd", "", fmt.Sprintf("Command to run, one of: %+v\n"+
		"Memory read commands have the following usage: cmdname [outfile], e.g. readflash backup.hex\n"+
		"The memory is written to stdout as Intel HEX if no file is given",
		cmdList))

	flag.Parse()

	if *version {
		fmt.Println(appVersion)
		return
	}

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	stkboot.SetLogger(log.StandardLogger())

	if *list {
		ports, err := stkboot.Ports()
		if err != nil {
			log.Fatalf("failed to list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	if *port == "" {
		log.Fatal("must specify port")
	}

	cfg := config{Options: stkboot.DefaultOptions()}
	if *configFile != "" {
		f, err := ioutil.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("failed to open config file: %v", err)
		}
		if err := yaml.UnmarshalStrict(f, &cfg); err != nil {
			log.Fatalf("failed to parse config file: %v", err)
		}
	}

	devices, err := stkboot.DefaultDevices().With(cfg.Devices...)
	if err != nil {
		log.Fatalf("invalid device in config file: %v", err)
	}
	name := cfg.Device
	if *deviceName != "" {
		name = *deviceName
	}
	if name == "" {
		name = stkboot.ATmega328P.Name
	}
	dev, err := devices.Lookup(name)
	if err != nil {
		log.Fatal(err)
	}

	options := cfg.Options
	if *baud != 0 {
		options.BaudRate = *baud
	}
	if *checkSignature {
		options.CheckSignature = true
	}
	if *verify {
		options.Verify = true
	}
	progress := newProgressBar()
	options.Progress = progress.update

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	transport := stkboot.NewSerialTransport(*port)
	if err := transport.Open(options.BaudRate); err != nil {
		log.Fatalf("failed to initialise transport: %v", err)
	}
	defer transport.Close()

	prog := stkboot.NewProgrammer(transport, dev, options)

	switch {
	case *command != "":
		// Run a single command
		f, ok := commands[*command]
		if !ok {
			log.Fatalf("invalid command %v", *command)
		}
		f(ctx, prog, flag.Args())
		progress.finish()

	default:
		// Try and program a hex file
		if len(flag.Args()) != 1 {
			log.Fatalf("must specify hex file to program")
		}

		img := stkboot.Image{Flash: loadHex(dev, stkboot.Flash, flag.Args()[0])}
		if *eeprom != "" {
			img.EEPROM = loadHex(dev, stkboot.EEPROM, *eeprom)
		}
		log.Infof("hex file loaded")

		// Run the before command
		if *before != "" {
			log.Infof("running before command...")
			if err := exec.Command(*before).Run(); err != nil {
				log.Fatalf("failed to run before command: %v", err)
			}
		}

		log.Infof("programming %s...", dev.Name)
		res, err := prog.Program(ctx, img)
		progress.finish()
		if err != nil {
			log.Fatalf("programming failed after %d pages: %v", res.PagesWritten, err)
		}
		log.Infof("complete: %d pages (%d bytes) written, %d pages skipped",
			res.PagesWritten, res.BytesWritten, res.PagesSkipped)

		// Run the after command
		if *after != "" {
			log.Infof("running after command...")
			if err := exec.Command(*after).Run(); err != nil {
				log.Fatalf("failed to run after command: %v", err)
			}
		}
	}
}

// loadHex parses a hex file into a block the size of the usable part of the region of the given kind.
func loadHex(dev *stkboot.Device, kind stkboot.MemoryKind, path string) *ihex.MemoryBlock {
	region, ok := dev.Region(kind)
	if !ok {
		log.Fatalf("device %s has no %s", dev.Name, kind)
	}
	mem, err := ihex.ParseFile(path, int(region.Usable()))
	if err != nil {
		log.Fatalf("failed to load %s: %v", path, err)
	}
	return mem
}
