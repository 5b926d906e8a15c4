package helper

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// SheetRecipient is one usable row of an uploaded recipient list.
type SheetRecipient struct {
	Phone string `json:"phone"`
	Name  string `json:"name,omitempty"`
	Row   int    `json:"row"`
}

var (
	phoneHeader = regexp.MustCompile(`(?i)phone|number|mobile|whatsapp|wa|nomor|telp|hp`)
	nameHeader  = regexp.MustCompile(`(?i)name|nama|contact`)

	ErrEmptySheet = errors.New("spreadsheet has no rows")
)

// ReadRecipientSheet extracts recipients from an .xlsx or .csv upload.
func ReadRecipientSheet(r io.Reader, filename, defaultCountryCode string) ([]SheetRecipient, error) {
	var rows [][]string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		cr := csv.NewReader(r)
		cr.FieldsPerRecord = -1
		all, err := cr.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = all
	default:
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("open spreadsheet: %w", err)
		}
		defer f.Close()

		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrEmptySheet
		}
		rows, err = f.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}
	return ExtractRecipients(rows, defaultCountryCode)
}

// ExtractRecipients detects the phone and name columns from the header row.
// Without a recognisable header, column 0 is the phone and column 1 the name
// and the first row is treated as data. Rows without a plausible phone are
// skipped.
func ExtractRecipients(rows [][]string, defaultCountryCode string) ([]SheetRecipient, error) {
	if len(rows) == 0 {
		return nil, ErrEmptySheet
	}

	phoneCol, nameCol := -1, -1
	for i, cell := range rows[0] {
		h := strings.TrimSpace(cell)
		if h == "" {
			continue
		}
		// "Contact Number" is a phone column even though it mentions contact.
		isPhone := phoneHeader.MatchString(h)
		if phoneCol == -1 && isPhone {
			phoneCol = i
			continue
		}
		if nameCol == -1 && !isPhone && nameHeader.MatchString(h) {
			nameCol = i
		}
	}

	start := 1
	if phoneCol == -1 && nameCol == -1 {
		start = 0
	}
	if phoneCol == -1 {
		phoneCol = 0
		if nameCol == 0 {
			phoneCol = 1
		}
	}
	if nameCol == -1 {
		nameCol = 1
		if phoneCol == 1 {
			nameCol = 0
		}
	}

	var out []SheetRecipient
	for i := start; i < len(rows); i++ {
		row := rows[i]
		if phoneCol >= len(row) {
			continue
		}
		phone := NormalizePhone(row[phoneCol], defaultCountryCode)
		if !IsPlausiblePhone(phone) {
			continue
		}
		name := ""
		if nameCol < len(row) {
			name = strings.TrimSpace(row[nameCol])
		}
		out = append(out, SheetRecipient{Phone: phone, Name: name, Row: i + 1})
	}
	return out, nil
}
