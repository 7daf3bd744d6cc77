package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "rttest.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `rttest drives an Ideal Aerosmith rate table through a scripted motion
profile over its serial link and records the table's reported position to a
CSV file at a fixed sample rate.  Point an IMU logger at the same window and
the file becomes truth data for the IMU's angular measurements.

Usage:
	rttest <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `rttest is amenable to configuration via its .yaml file.  For a primer on YAML,
see https://yaml.org/start.html

Run "rttest mkconf" to write the defaults to rttest.yml, edit it, then
"rttest run".  "rttest conf" prints the configuration the run would use.

Profiles:
- stationary: home, move to Target (deg) and hold there while sampling
- sinusoid:   home, then oscillate with the given Amplitude (deg),
              Frequency (Hz) and Cycles while sampling

Sampling runs at SampleRate Hz for Duration seconds.  A Duration of 0 on a
sinusoid profile samples for the motion time, Cycles/Frequency.  Readings
outside [MinPos, MaxPos], or further than MaxJump degrees from the previous
reading, are discarded; discarded or timed-out readings leave a gap in the
CSV rather than a fabricated row.

Before motion starts the program pauses and prompts you to start your IMU
logging; press ENTER to begin.  Ctrl-C at any point stops the table and
writes out what was collected.

If Monitor is set (e.g. ":8600"), a read-only HTTP status view is served
there with /state, /last-sample and /profile endpoints.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("rttest version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	if err := runTest(c); err != nil {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
