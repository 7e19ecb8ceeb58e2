package source

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"
)

// WaybillTimeFormat is the timestamp layout used inside waybill XML files.
const WaybillTimeFormat = "2006-01-02 15:04:05"

// WaybillFile is one uploaded shift assignment. The dispatch office exports
// one waybill per XML file.
type WaybillFile struct {
	Number    string
	License   string
	CarPlate  string
	WorkStart time.Time
	WorkEnd   time.Time
	IssueDT   time.Time
}

type waybillXML struct {
	XMLName xml.Name `xml:"waybill"`
	Number  string   `xml:"number"`
	Driver  struct {
		License string `xml:"license"`
	} `xml:"driver"`
	Car    string `xml:"car"`
	Period struct {
		Start string `xml:"start"`
		Stop  string `xml:"stop"`
	} `xml:"period"`
	IssueDT string `xml:"issuedt"`
}

// ParseWaybill decodes one waybill XML document.
func ParseWaybill(r io.Reader) (WaybillFile, error) {
	var doc waybillXML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return WaybillFile{}, fmt.Errorf("failed to decode waybill XML: %w", err)
	}

	w := WaybillFile{
		Number:   strings.TrimSpace(doc.Number),
		License:  strings.TrimSpace(doc.Driver.License),
		CarPlate: strings.TrimSpace(doc.Car),
	}
	if w.Number == "" {
		return WaybillFile{}, fmt.Errorf("waybill has no number")
	}
	if w.License == "" {
		return WaybillFile{}, fmt.Errorf("waybill %s has no driver license", w.Number)
	}
	if w.CarPlate == "" {
		return WaybillFile{}, fmt.Errorf("waybill %s has no car plate", w.Number)
	}

	var err error
	w.WorkStart, err = parseWaybillTime(doc.Period.Start)
	if err != nil {
		return WaybillFile{}, fmt.Errorf("waybill %s has invalid work start: %w", w.Number, err)
	}
	w.WorkEnd, err = parseWaybillTime(doc.Period.Stop)
	if err != nil {
		return WaybillFile{}, fmt.Errorf("waybill %s has invalid work end: %w", w.Number, err)
	}
	w.IssueDT, err = parseWaybillTime(doc.IssueDT)
	if err != nil {
		return WaybillFile{}, fmt.Errorf("waybill %s has invalid issue time: %w", w.Number, err)
	}

	if !w.WorkEnd.After(w.WorkStart) {
		return WaybillFile{}, fmt.Errorf("waybill %s work end %s is not after work start %s",
			w.Number, w.WorkEnd.Format(WaybillTimeFormat), w.WorkStart.Format(WaybillTimeFormat))
	}
	return w, nil
}

func parseWaybillTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(WaybillTimeFormat, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
