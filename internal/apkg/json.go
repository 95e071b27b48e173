package apkg

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Anki has written the same JSON keys as numbers, floats, numeric strings
// and booleans over the years. The flex types accept all of them.

type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || string(b) == "null":
		*f = 0
		return nil
	case string(b) == "true":
		*f = 1
		return nil
	case string(b) == "false":
		*f = 0
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		b = []byte(s)
	}
	if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
		*f = flexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexInt(math.Round(v))
	return nil
}

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = flexFloat(v)
	return nil
}

type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	var n flexInt
	if err := n.UnmarshalJSON(b); err != nil {
		return err
	}
	*f = n != 0
	return nil
}

// dayCount decodes Anki's [day, count] counters.
type dayCount [2]flexInt

func (d *dayCount) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		*d = dayCount{}
		return nil
	}
	var raw []flexInt
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = dayCount{}
	copy(d[:], raw)
	return nil
}

type rawField struct {
	Name string  `json:"name"`
	Ord  flexInt `json:"ord"`
}

type rawTemplate struct {
	Name string  `json:"name"`
	Ord  flexInt `json:"ord"`
	QFmt string  `json:"qfmt"`
	AFmt string  `json:"afmt"`
}

type rawModel struct {
	ID        flexInt       `json:"id"`
	Name      string        `json:"name"`
	Type      flexInt       `json:"type"`
	Mod       flexInt       `json:"mod"`
	Usn       flexInt       `json:"usn"`
	SortField flexInt       `json:"sortf"`
	DeckID    flexInt       `json:"did"`
	Fields    []rawField    `json:"flds"`
	Templates []rawTemplate `json:"tmpls"`
	CSS       string        `json:"css"`
}

type rawDeck struct {
	ID        flexInt  `json:"id"`
	Name      string   `json:"name"`
	Conf      flexInt  `json:"conf"`
	Desc      string   `json:"desc"`
	Mod       flexInt  `json:"mod"`
	Usn       flexInt  `json:"usn"`
	Dyn       flexBool `json:"dyn"`
	Collapsed flexBool `json:"collapsed"`
	NewToday  dayCount `json:"newToday"`
	RevToday  dayCount `json:"revToday"`
	LrnToday  dayCount `json:"lrnToday"`
}

// rawDeckConfig uses pointers so that absent keys keep their defaults while
// explicit zeros (a per-day limit of 0) survive.
type rawDeckConfig struct {
	ID   flexInt  `json:"id"`
	Name string   `json:"name"`
	Mod  flexInt  `json:"mod"`
	Usn  flexInt  `json:"usn"`
	Dyn  flexBool `json:"dyn"`
	New  *struct {
		Delays        []flexFloat `json:"delays"`
		Ints          []flexInt   `json:"ints"`
		InitialFactor *flexInt    `json:"initialFactor"`
		PerDay        *flexInt    `json:"perDay"`
	} `json:"new"`
	Rev *struct {
		PerDay     *flexInt   `json:"perDay"`
		Ease4      *flexFloat `json:"ease4"`
		HardFactor *flexFloat `json:"hardFactor"`
		IvlFct     *flexFloat `json:"ivlFct"`
		MaxIvl     *flexInt   `json:"maxIvl"`
	} `json:"rev"`
	Lapse *struct {
		Delays      []flexFloat `json:"delays"`
		Mult        *flexFloat  `json:"mult"`
		MinInt      *flexInt    `json:"minInt"`
		LeechFails  *flexInt    `json:"leechFails"`
		LeechAction *flexInt    `json:"leechAction"`
	} `json:"lapse"`
	MaxTaken *flexInt `json:"maxTaken"`
}

func floats(in []flexFloat) []float64 {
	if in == nil {
		return nil
	}
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
