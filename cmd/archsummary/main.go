// Command archsummary prints the layers, output shapes and parameter
// counts of an exported arch snapshot.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/net"
	"github.com/FlavioCFOliveira/nnengine/internal/nn"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: archsummary snapshot.json...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	log.SetFlags(0)
	log.SetPrefix("archsummary: ")

	e := engine.NewCPU(engine.DefaultConfig())
	defer e.Release()
	for _, path := range flag.Args() {
		if err := summarize(e, path); err != nil {
			log.Fatalf("%s: %v", path, err)
		}
	}
}

func summarize(e *engine.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	a, err := nn.Import(e, f)
	if err != nil {
		return err
	}
	defer a.Release()
	fmt.Println(path)
	return net.Summary(os.Stdout, a)
}
