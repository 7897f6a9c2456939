package main

import (
	"context"
	"io"
	"os"

	"github.com/avrtools/stkboot"
	"github.com/marcinbor85/gohex"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

func processInfo(ctx context.Context, prog *stkboot.Programmer, args []string) {
	res, err := prog.Identify(ctx)
	if err != nil {
		log.Fatalf("failed to identify device: %v", err)
	}

	log.Infof("bootloader version: %s", res.Version)
	log.Infof("device signature: % X", res.Signature)
}

func processReadFlash(ctx context.Context, prog *stkboot.Programmer, args []string) {
	readMemory(ctx, prog, stkboot.Flash, args)
}

func processReadEE(ctx context.Context, prog *stkboot.Programmer, args []string) {
	readMemory(ctx, prog, stkboot.EEPROM, args)
}

func readMemory(ctx context.Context, prog *stkboot.Programmer, kind stkboot.MemoryKind, args []string) {
	if len(args) > 1 {
		log.Fatalf("expected: [outfile]")
	}

	data, _, err := prog.Read(ctx, kind)
	if err != nil {
		log.Fatalf("failed to read %s: %v", kind, err)
	}

	mem := gohex.NewMemory()
	if err := mem.AddBinary(0, data); err != nil {
		log.Fatal(err)
	}

	var w io.Writer = os.Stdout
	if len(args) == 1 {
		f, err := os.Create(args[0])
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		w = f
	}
	if err := mem.DumpIntelHex(w, 16); err != nil {
		log.Fatalf("failed to write %s: %v", kind, err)
	}
}

// progressBar shows one bar per memory region on stderr.
type progressBar struct {
	bar  *progressbar.ProgressBar
	kind stkboot.MemoryKind
}

func newProgressBar() *progressBar {
	return &progressBar{}
}

func (p *progressBar) update(pr stkboot.Progress) {
	if p.bar == nil || p.kind != pr.Kind {
		p.finish()
		p.kind = pr.Kind
		p.bar = progressbar.NewOptions(pr.Total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(pr.Kind.String()),
			progressbar.OptionShowBytes(true),
		)
	}
	p.bar.ChangeMax(pr.Total)
	p.bar.Set(pr.Offset)
}

func (p *progressBar) finish() {
	if p.bar == nil {
		return
	}
	p.bar.Finish()
	os.Stderr.WriteString("\n")
	p.bar = nil
}
