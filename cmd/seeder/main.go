// Command seeder builds a synthetic manga library for trying out mangafixer:
// series folders full of .cbz volumes, some already tagged, a few unreadable,
// and optionally a ledger that already lists the tagged ones.
package main

import (
	"archive/zip"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hdshock/mangafixer/internal/archive"
)

func main() {
	library := flag.String("library", "./sample-library", "Directory to create the library in")
	seriesCount := flag.Int("series", 5, "Number of series folders")
	volumes := flag.Int("volumes", 10, "Volumes per series")
	tagged := flag.Float64("tagged", 0.2, "Fraction of volumes that already carry ComicInfo.xml")
	garbage := flag.Int("garbage", 2, "Number of unreadable .cbz files")
	ledgerPath := flag.String("ledger", "", "Pre-seed this ledger database with the tagged volumes")
	seed := flag.Int64("seed", 1, "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*library, 0755); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Seeding library in %s...\n", *library)

	var taggedPaths []string
	total := 0
	for s := 0; s < *seriesCount; s++ {
		series := fmt.Sprintf("Series %02d %s", s+1, uuid.NewString()[:8])
		for v := 1; v <= *volumes; v++ {
			path := filepath.Join(*library, series, fmt.Sprintf("Vol. %03d.cbz", v))
			withInfo := rng.Float64() < *tagged
			if err := writeVolume(path, 3+rng.Intn(6), withInfo); err != nil {
				log.Fatalf("Failed to write %s: %v", path, err)
			}
			if withInfo {
				taggedPaths = append(taggedPaths, path)
			}
			total++
		}
	}

	for i := 0; i < *garbage; i++ {
		path := filepath.Join(*library, "Broken", fmt.Sprintf("broken-%d.cbz", i+1))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			log.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("not a zip archive"), 0644); err != nil {
			log.Fatal(err)
		}
	}

	// decoy files the scanner must skip
	if err := os.WriteFile(filepath.Join(*library, "readme.txt"), []byte("sample library\n"), 0644); err != nil {
		log.Fatal(err)
	}

	if *ledgerPath != "" {
		if err := seedLedger(*ledgerPath, taggedPaths); err != nil {
			log.Fatalf("Failed to seed ledger: %v", err)
		}
		fmt.Printf("Ledger %s pre-seeded with %d paths\n", *ledgerPath, len(taggedPaths))
	}

	fmt.Printf("Seeding complete: %d volumes (%d tagged), %d unreadable.\n", total, len(taggedPaths), *garbage)
}

func writeVolume(path string, pages int, withInfo bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for p := 1; p <= pages; p++ {
		w, err := zw.Create(fmt.Sprintf("page%03d.jpg", p))
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0, byte(p)}); err != nil {
			return err
		}
	}
	if withInfo {
		body, err := archive.NewComicInfo(path).Marshal()
		if err != nil {
			return err
		}
		w, err := zw.Create(archive.EntryName)
		if err != nil {
			return err
		}
		if _, err := w.Write(body); err != nil {
			return err
		}
	}
	return zw.Close()
}

func seedLedger(dbPath string, paths []string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS processed_files (filepath TEXT PRIMARY KEY)"); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.Exec("INSERT OR IGNORE INTO processed_files (filepath) VALUES (?)", abs); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
