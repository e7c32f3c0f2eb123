package recorder

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"orderflow/logger"
	"orderflow/models"
)

const maxLineBytes = 4 * 1024 * 1024

// Files lists the recordings of symbol under dir oldest first: rotated
// backups by their timestamp suffix, then the active file.
func Files(dir, symbol string) ([]string, error) {
	active := FileName(dir, symbol)
	prefix := strings.TrimSuffix(filepath.Base(active), fileExt) + "-"

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read recorder dir: %w", err)
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		backups = append(backups, filepath.Join(dir, name))
	}
	// lumberjack's backup timestamps sort lexically.
	sort.Strings(backups)

	files := backups
	if _, err := os.Stat(active); err == nil {
		files = append(files, active)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no recordings for %s in %s", symbol, dir)
	}
	return files, nil
}

// Player feeds recorded lines to a raw channel in file order.
type Player struct {
	files  []string
	symbol string
	log    *logger.Entry
}

func NewPlayer(files []string, symbol string, log *logger.Log) *Player {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Player{
		files:  files,
		symbol: symbol,
		log:    log.WithComponent("replay").WithSymbol(symbol),
	}
}

// Play blocks on out so no line is dropped. It returns the number of lines
// sent.
func (p *Player) Play(ctx context.Context, out chan<- models.RawMessage) (int, error) {
	total := 0
	for _, path := range p.files {
		n, err := p.playFile(ctx, path, out)
		total += n
		if err != nil {
			return total, err
		}
		p.log.WithFields(logger.Fields{"file": path, "lines": n}).Info("recording replayed")
	}
	return total, nil
}

func (p *Player) playFile(ctx context.Context, path string, out chan<- models.RawMessage) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	n := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg := models.RawMessage{
			Exchange:   "binance",
			Symbol:     p.symbol,
			Provenance: models.ProvenanceRecorded,
			Data:       append([]byte(nil), line...),
			Timestamp:  time.Now().UTC(),
		}
		select {
		case out <- msg:
			n++
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return n, fmt.Errorf("scan %s: %w", path, err)
	}
	return n, nil
}
