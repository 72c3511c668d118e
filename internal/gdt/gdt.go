// Package gdt reads the patient file a practice system drops before a
// recording starts (GDT 2.1, one field per line, cp850 encoded).
package gdt

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

const (
	fieldPatientNumber = "3000"
	fieldLastName      = "3101"
	fieldFirstName     = "3102"
	fieldSex           = "3110"
)

// Unknown is what callers get when no usable patient file is present.
var Unknown = Patient{Initials: "XX", Number: "999999", Sex: "unbekannt"}

// ErrIncomplete reports a file without first name, last name and number.
var ErrIncomplete = errors.New("gdt: incomplete patient data")

type Patient struct {
	Initials string
	Number   string
	Sex      string
}

// RecordName builds the "<initials>_<number>_<YYYYMMDD_HHMMSS>" base name used
// for transcript artifacts.
func (p Patient) RecordName(at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", p.Initials, p.Number, at.Format("20060102_150405"))
}

// Read parses the file at path. Lines are "<3 digit length><4 digit field><content>".
func Read(path string) (Patient, error) {
	f, err := os.Open(path)
	if err != nil {
		return Patient{}, err
	}
	defer f.Close()

	var number, first, last, sexCode string
	scanner := bufio.NewScanner(charmap.CodePage850.NewDecoder().Reader(f))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < 7 {
			continue
		}
		value := strings.TrimSpace(line[7:])
		switch line[3:7] {
		case fieldPatientNumber:
			number = value
		case fieldFirstName:
			first = value
		case fieldLastName:
			last = value
		case fieldSex:
			if value != "" {
				sexCode = value[:1]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Patient{}, fmt.Errorf("read gdt: %w", err)
	}
	if first == "" || last == "" || number == "" {
		return Patient{}, ErrIncomplete
	}

	initials := string([]rune(foldUmlauts(first))[:1]) + string([]rune(foldUmlauts(last))[:1])
	return Patient{
		Initials: strings.ToUpper(initials),
		Number:   number,
		Sex:      SexLabel(sexCode),
	}, nil
}

// ReadOrUnknown returns Unknown instead of an error.
func ReadOrUnknown(path string) Patient {
	if path == "" {
		return Unknown
	}
	p, err := Read(path)
	if err != nil {
		return Unknown
	}
	return p
}

func SexLabel(code string) string {
	switch strings.TrimSpace(code) {
	case "1":
		return "männlich"
	case "2":
		return "weiblich"
	case "3":
		return "divers"
	default:
		return "unbekannt"
	}
}

var umlauts = strings.NewReplacer(
	"Ä", "A", "Ö", "O", "Ü", "U",
	"ä", "a", "ö", "o", "ü", "u",
	"ß", "ss",
)

func foldUmlauts(s string) string { return umlauts.Replace(s) }
