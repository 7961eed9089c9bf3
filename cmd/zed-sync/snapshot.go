package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	mbp "github.com/lex00/zed/mainboilerplate"
	"github.com/lex00/zed/snapshot"
	"github.com/lex00/zed/storage"
)

type cmdSnapshot struct {
	Format string `long:"format" short:"o" choice:"table" choice:"yaml" default:"table" description:"Output format"`
}

func (cmd cmdSnapshot) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var sc = mustScanner(storage.NewOSStorage())
	mbp.Must(sc.Load(context.Background()), "failed to scan root")

	return writeSnapshot(os.Stdout, sc.Snapshot(), cmd.Format)
}

// snapshotEntry is the YAML representation of a snapshot.Entry.
type snapshotEntry struct {
	Path     string    `yaml:"path"`
	Kind     string    `yaml:"kind"`
	Identity uint64    `yaml:"identity"`
	Inode    uint64    `yaml:"inode,omitempty"`
	Size     int64     `yaml:"size"`
	ModTime  time.Time `yaml:"modTime"`
}

func writeSnapshot(w io.Writer, snap *snapshot.Snapshot, format string) error {
	switch format {
	case "table":
		var table = tablewriter.NewWriter(w)
		table.Header("Path", "Kind", "Identity", "Size", "Modified")

		for _, e := range snap.Entries() {
			var size string
			if e.Kind != snapshot.Directory {
				size = humanize.IBytes(uint64(e.Size))
			}
			if err := table.Append([]string{
				e.Path,
				e.Kind.String(),
				fmt.Sprintf("%d", e.Identity),
				size,
				humanize.Time(e.ModTime),
			}); err != nil {
				return errors.WithMessage(err, "appending table row")
			}
		}
		return table.Render()

	case "yaml":
		var out = struct {
			Root    string          `yaml:"root"`
			Version int64           `yaml:"version"`
			Entries []snapshotEntry `yaml:"entries"`
		}{Root: snap.Root(), Version: snap.Version()}

		for _, e := range snap.Entries() {
			out.Entries = append(out.Entries, snapshotEntry{
				Path:     e.Path,
				Kind:     e.Kind.String(),
				Identity: uint64(e.Identity),
				Inode:    e.Inode,
				Size:     e.Size,
				ModTime:  e.ModTime,
			})
		}
		var b, err = yaml.Marshal(out)
		if err != nil {
			return errors.WithMessage(err, "marshalling snapshot")
		}
		_, err = w.Write(b)
		return err

	default:
		return errors.Errorf("unknown format %q", format)
	}
}
