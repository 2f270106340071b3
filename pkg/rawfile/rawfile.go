// Package rawfile walks a node's blk*.dat directory and yields framed block
// byte-spans in file order. It is the only component in blockwalk that
// blocks or suspends: on disk I/O, and on the poll wait in tailing mode.
package rawfile

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tokenized/logger"
	"github.com/tokenized/threads"

	"github.com/chain-walk/blockwalk/pkg/blockdecode"
	"github.com/chain-walk/blockwalk/pkg/bprim"
)

// DefaultGlob is the filename pattern a full node writes its block files
// under.
const DefaultGlob = "blk*.dat"

// DefaultPollInterval is how often a tailing Reader re-stats the current
// file while waiting for it to grow.
const DefaultPollInterval = 2 * time.Second

// ErrIo wraps any filesystem failure surfaced while walking or reading a
// block file.
var ErrIo = errors.New("raw file io error")

// ErrCancelled is returned from Run when the caller stops iteration while
// the reader was suspended (file I/O or a tailing poll wait).
var ErrCancelled = errors.New("cancelled")

// Span is one framed block payload read from a blk*.dat file: the bytes
// between the magic+size prefix and the next frame, owned by the caller
// (copied out of the file, not a view into a live mapping).
type Span struct {
	File    string
	Offset  int64
	Payload []byte
}

// Options configures a Reader.
type Options struct {
	// Dir is the directory to scan; defaults to ~/.bitcoin/blocks when empty.
	Dir string
	// Glob overrides DefaultGlob.
	Glob string
	// Magic is the expected frame magic; defaults to blockdecode.MainnetMagic.
	Magic uint32
	// Tail, when true, makes Run block after the last known file's
	// end-of-data and resume once it grows or a new, higher-numbered file
	// appears, instead of returning.
	Tail bool
	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Glob == "" {
		o.Glob = DefaultGlob
	}
	if o.Magic == 0 {
		o.Magic = blockdecode.MainnetMagic
	}
	if o.PollInterval == 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			o.Dir = filepath.Join(home, ".bitcoin", "blocks")
		}
	}
	return o
}

// Reader walks the ordered set of blk*.dat files in a directory.
type Reader struct {
	opts      Options
	fileIndex int
	files     []blkFile
	offset    int64
	tailWait  sync.WaitGroup
}

type blkFile struct {
	path string
	num  int
}

// New builds a Reader over opts.Dir and performs the initial directory scan
// immediately. Only a malformed Glob pattern makes it fail: a missing
// directory or one with no matching files yields a Reader whose Run returns
// nil at once (or, with Tail, waits for files to appear).
func New(opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	r := &Reader{opts: opts}
	files, err := scanDir(opts.Dir, opts.Glob)
	if err != nil {
		return nil, errors.Wrap(ErrIo, err.Error())
	}
	r.files = files
	return r, nil
}

func scanDir(dir, glob string) ([]blkFile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return nil, err
	}
	files := make([]blkFile, 0, len(matches))
	for _, m := range matches {
		num, ok := blkNumber(filepath.Base(m))
		if !ok {
			continue
		}
		files = append(files, blkFile{path: m, num: num})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].num < files[j].num })
	return files, nil
}

// blkNumber extracts the numeric suffix from a name like "blk00042.dat".
func blkNumber(name string) (int, bool) {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	digits := strings.TrimLeft(name, "abcdefghijklmnopqrstuvwxyz")
	if digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Run reads every framed block span in file order and delivers each on out.
// out is closed only by the caller; Run returns when:
//   - every known file has reached end-of-data or EOF and Tail is false
//     (returns nil),
//   - ctx is cancelled (returns ErrCancelled), or
//   - an I/O or framing failure occurs (returns the wrapped error).
//
// Magic corruption is propagated (wrapping blockdecode.ErrCorruptMagic)
// rather than silently skipped. Reader has no way to advance past the
// offending file: calling Run again resumes at the same offset and fails
// the same way.
func (r *Reader) Run(ctx context.Context, out chan<- Span) error {
	for {
		for r.fileIndex < len(r.files) {
			f := r.files[r.fileIndex]
			done, err := r.drainFile(ctx, f, out)
			if err != nil {
				return err
			}
			if !done {
				// Tailing the current (highest-numbered) file; stay here
				// until it grows or a newer file appears.
				break
			}
			r.fileIndex++
			r.offset = 0
		}

		if !r.opts.Tail {
			return nil
		}
		if err := r.waitForGrowth(ctx); err != nil {
			return err
		}
	}
}

// drainFile streams frames from f starting at r.offset until end-of-data
// (a magic-zero marker) or EOF. done is false only when the reader is
// tailing and f is the last known file, whichever of the two stopped it.
func (r *Reader) drainFile(ctx context.Context, f blkFile, out chan<- Span) (done bool, err error) {
	file, err := os.Open(f.path)
	if err != nil {
		return false, errors.Wrap(ErrIo, err.Error())
	}
	defer file.Close()

	if _, err := file.Seek(r.offset, io.SeekStart); err != nil {
		return false, errors.Wrap(ErrIo, err.Error())
	}

	header := make([]byte, 8)
	for {
		if ctx.Err() != nil {
			return false, ErrCancelled
		}

		n, err := io.ReadFull(file, header)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			isLast := r.fileIndex == len(r.files)-1
			return !(r.opts.Tail && isLast), nil
		}
		if err != nil {
			return false, errors.Wrap(ErrIo, err.Error())
		}

		magic := bprim.Uint32LE(header[0:4])
		if magic == 0 {
			// r.offset stays at the marker so a tailing reader re-checks
			// this position once the node has written over it.
			isLast := r.fileIndex == len(r.files)-1
			return !(r.opts.Tail && isLast), nil
		}
		if magic != r.opts.Magic {
			return false, errors.Wrapf(blockdecode.ErrCorruptMagic, "file %s offset %d: observed 0x%08x",
				f.path, r.offset, magic)
		}
		size := bprim.Uint32LE(header[4:8])

		payload := make([]byte, size)
		if _, err := io.ReadFull(file, payload); err != nil {
			return false, errors.Wrap(ErrIo, "truncated payload: "+err.Error())
		}

		span := Span{File: f.path, Offset: r.offset, Payload: payload}
		r.offset += int64(8 + size)

		select {
		case out <- span:
		case <-ctx.Done():
			return false, ErrCancelled
		}
	}
}

// waitForGrowth is the one true suspension point in tailing mode: it polls
// for either the current file growing past r.offset or a new, higher file
// appearing, wrapped in an interruptable thread so cancellation unwinds
// promptly instead of waiting out the full poll interval.
func (r *Reader) waitForGrowth(ctx context.Context) error {
	var pollErr error
	thread, complete := threads.NewInterruptableThreadComplete("raw-file-tail-poll",
		func(ctx context.Context, interrupt <-chan interface{}) error {
			ticker := time.NewTicker(r.opts.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					grew, newFiles, err := r.poll()
					if err != nil {
						pollErr = errors.Wrap(ErrIo, err.Error())
						return pollErr
					}
					if grew || newFiles {
						logger.Verbose(ctx, "Tail resumed: grew=%v newFiles=%v", grew, newFiles)
						return nil
					}
				case <-interrupt:
					return threads.Interrupted
				}
			}
		}, &r.tailWait)

	thread.Start(ctx)

	select {
	case <-complete:
	case <-ctx.Done():
		thread.Stop(ctx)
		r.tailWait.Wait()
		return ErrCancelled
	}

	return pollErr
}

// poll re-stats the current file and re-globs the directory. It never
// blocks beyond the cost of the syscalls it makes — it is a "currently
// empty" success, not an error, per the tailing contract.
func (r *Reader) poll() (grew bool, newFiles bool, err error) {
	if r.fileIndex < len(r.files) {
		f := r.files[r.fileIndex]
		info, statErr := os.Stat(f.path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				return false, false, nil
			}
			return false, false, statErr
		}
		if info.Size() > r.offset {
			grew = true
		}
	}

	files, err := scanDir(r.opts.Dir, r.opts.Glob)
	if err != nil {
		return grew, false, err
	}
	if len(files) > len(r.files) {
		newFiles = true
	}
	r.files = files
	return grew, newFiles, nil
}
