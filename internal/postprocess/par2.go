package postprocess

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	par2VerifyTimeout = time.Hour
	par2RepairTimeout = 2 * time.Hour
)

// par2Result summarizes the verify/repair step for final validation.
type par2Result struct {
	filesPresent bool
	failed       bool
	repaired     bool
}

// findMainPar2 returns the index par2: the first without ".vol" in its name,
// else the smallest file of the set.
func findMainPar2(dir string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.par2"))
	if err != nil || len(matches) == 0 {
		return "", false
	}

	var smallest string
	var smallestSize int64 = -1
	for _, m := range matches {
		name := strings.ToLower(filepath.Base(m))
		if !strings.Contains(name, ".vol") {
			return m, true
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if smallestSize < 0 || info.Size() < smallestSize {
			smallest = m
			smallestSize = info.Size()
		}
	}
	return smallest, smallest != ""
}

// repairPar2 runs par2 verify on the main parity file and attempts a repair
// on verification failure. Tool absence and timeouts downgrade the step to
// "skipped" rather than failing the item; parity is best effort.
func (p *Processor) repairPar2(ctx context.Context, dir string) par2Result {
	main, ok := findMainPar2(dir)
	if !ok {
		return par2Result{}
	}
	res := par2Result{filesPresent: true}

	out, err := p.runner.Run(ctx, par2VerifyTimeout, dir, p.par2Bin, "verify", filepath.Base(main))
	if err == nil {
		p.log.Info("par2 verification passed", "par2", filepath.Base(main))
		return res
	}
	if errors.Is(err, ErrToolNotFound) || errors.Is(err, ErrToolTimeout) {
		p.log.Warn("par2 verify skipped", "par2", filepath.Base(main), "error", err)
		return res
	}
	if strings.Contains(strings.ToLower(out.Stderr), "main packet not found") {
		// Volume-only set without the index packet. Nothing to verify
		// against, so the step is skipped.
		p.log.Info("par2 set has no main packet, skipping", "par2", filepath.Base(main))
		return res
	}

	p.log.Info("par2 verification failed, attempting repair", "par2", filepath.Base(main))

	out, err = p.runner.Run(ctx, par2RepairTimeout, dir, p.par2Bin, "repair", filepath.Base(main))
	if err != nil {
		if errors.Is(err, ErrToolNotFound) || errors.Is(err, ErrToolTimeout) {
			p.log.Warn("par2 repair skipped", "par2", filepath.Base(main), "error", err)
			return res
		}
		p.log.Warn("par2 repair failed",
			"par2", filepath.Base(main), "error", err, "stderr", firstLine(out.Stderr))
		res.failed = true
		return res
	}

	p.log.Info("par2 repair succeeded", "par2", filepath.Base(main))
	res.repaired = true
	return res
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
