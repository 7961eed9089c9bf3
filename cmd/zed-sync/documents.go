package main

import (
	"bytes"
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/lex00/zed/buffer"
)

// document is an in-memory buffer.Document, which tracks the content of its
// bound file.
type document struct {
	mu      sync.Mutex
	content []byte
}

func (d *document) SetContent(b []byte) error {
	d.mu.Lock()
	d.content = b
	d.mu.Unlock()
	return nil
}

// lines returns the number of lines of the document.
func (d *document) lines() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n = bytes.Count(d.content, []byte("\n"))
	if len(d.content) != 0 && d.content[len(d.content)-1] != '\n' {
		n++
	}
	return n
}

// logEvents logs each Event of |sub| until the context is done.
func logEvents(ctx context.Context, sub *buffer.Subscription, store *buffer.Store, docs map[buffer.Handle]*document) error {
	defer sub.Close()

	for {
		var ev, err = sub.Next(ctx)
		if err == context.Canceled || err == buffer.ErrSubscriptionClosed {
			return nil
		} else if err != nil {
			return err
		}

		var fields = log.Fields{
			"event":  ev.Kind,
			"handle": ev.Handle,
			"path":   ev.Path,
		}
		if st, err := store.Lookup(ev.Handle); err == nil && st.HasBaseline {
			fields["size"] = humanize.IBytes(uint64(st.Baseline.Size))
			fields["modified"] = humanize.Time(st.Baseline.ModTime)
			fields["identity"] = st.Identity
		}
		if doc, ok := docs[ev.Handle]; ok && ev.Kind == buffer.Reloaded {
			fields["lines"] = doc.lines()
		}

		switch ev.Kind {
		case buffer.ConflictDetected:
			log.WithFields(fields).Warn("file changed on disk, and the document has unsaved edits")
		case buffer.ReloadFailed:
			log.WithFields(fields).Warn("document reload failed")
		case buffer.ReloadNeeded:
			log.WithFields(fields).Debug("document reload scheduled")
		default:
			log.WithFields(fields).Info("document event")
		}
	}
}
