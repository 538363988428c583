// Command tlvdump prints the contents of a tlvdb store.
//
// Usage:
//
//	tlvdump [-raw] [-limit n] <index-file>
//
// By default, identities are walked from the most recent one down to 1 and
// every live value is printed. With -raw, partition files are walked from
// start to end instead, which also shows values that are no longer
// referenced by the index. Free Ledger regions that do not hold a whole
// value, such as the tail left by a shrinking update, are printed as free
// bytes.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bsm/tlvdb"
	"github.com/bsm/tlvdb/tlv"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7C3AED")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0369A1", Dark: "#89B4FA"}).
			Bold(true)

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#A6E3A1"})

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#6C7086"})
)

func main() {
	raw := flag.Bool("raw", false, "scan partition files instead of walking identities")
	limit := flag.Int("limit", 0, "stop after printing n values (0 = no limit)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [-raw] [-limit n] <index-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(os.Stdout, flag.Arg(0), *raw, *limit); err != nil {
		fmt.Fprintln(os.Stderr, "tlvdump:", err)
		os.Exit(1)
	}
}

func run(w io.Writer, name string, raw bool, limit int) error {
	// never initialise a store that does not exist
	if _, err := os.Stat(name); err != nil {
		return err
	}

	db, err := tlvdb.Open(name, &tlvdb.Options{
		Logger:           tlvdb.NewLogger(os.Stderr, tlvdb.LogLevelWarn),
		InterruptSignals: []os.Signal{},
	})
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}
	printSummary(w, name, db.Header(), stats)

	if raw {
		return dumpRaw(w, db, stats, limit)
	}
	return dumpItems(w, db, limit)
}

func printSummary(w io.Writer, name string, h tlvdb.Header, stats []tlvdb.PartitionStats) {
	fmt.Fprintln(w, titleStyle.Render(name))
	fmt.Fprintf(w, "%s %d  %s %d  %s %d  %s %d\n",
		labelStyle.Render("version"), h.Version,
		labelStyle.Render("items"), h.Items,
		labelStyle.Render("partitions"), h.Partitions,
		labelStyle.Render("next id"), h.NextID,
	)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("PARTITION", "ITEMS", "FREE", "RECLAIMABLE", "SIZE")
	for _, s := range stats {
		t.Row(
			strconv.Itoa(s.Partition),
			strconv.Itoa(s.Items),
			strconv.Itoa(s.Free),
			strconv.FormatInt(s.Reclaimable, 10),
			strconv.FormatInt(s.Size, 10),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func dumpItems(w io.Writer, db *tlvdb.DB, limit int) error {
	var n int
	for id := db.NextID() - 1; id > 0; id-- {
		val, err := db.Read(id)
		if errors.Is(err, tlvdb.ErrNotFound) {
			continue
		} else if err != nil {
			return fmt.Errorf("read %d: %w", id, err)
		}

		fmt.Fprintf(w, "%s\t%s\n", idStyle.Render(strconv.FormatUint(id, 10)), val)
		if n++; limit > 0 && n >= limit {
			break
		}
	}
	return nil
}

func dumpRaw(w io.Writer, db *tlvdb.DB, stats []tlvdb.PartitionStats, limit int) error {
	var n int
	for _, s := range stats {
		done, err := scanPartition(w, db, s, limit-n)
		n += done
		if err != nil {
			return err
		}
		if limit > 0 && n >= limit {
			break
		}
	}
	return nil
}

func scanPartition(w io.Writer, db *tlvdb.DB, s tlvdb.PartitionStats, limit int) (int, error) {
	regions, err := db.FreeRegions(s.Partition)
	if err != nil {
		return 0, err
	}
	free := make(map[int64]int64, len(regions))
	for _, r := range regions {
		free[r.Offset] = r.Size
	}

	f, err := os.Open(s.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var n int
	for off := int64(0); off < s.Size; n++ {
		if limit > 0 && n >= limit {
			break
		}
		pos := mutedStyle.Render(fmt.Sprintf("%d:%d", s.Partition, off))

		// ledger regions that do not hold a whole value are shrunk tails
		if size := free[off]; size > 0 {
			if vsize, err := tlv.SizeAt(f, off); err != nil || vsize != size {
				fmt.Fprintf(w, "%s\t%s\n", pos, mutedStyle.Render(fmt.Sprintf("<%d free bytes>", size)))
				off += size
				continue
			}
		}

		val, vsize, err := tlv.DecodeAt(f, off)
		if err != nil {
			return n, err
		}
		fmt.Fprintf(w, "%s\t%s\n", pos, val)
		off += vsize
	}
	return n, nil
}
