/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package byte_rate parses transfer rates such as "64KiB/s" or "1MB/m" into
// bytes per second.
package byte_rate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
)

// ByteRate represents a transfer rate in Bytes/Second.
type ByteRate float64

func (r *ByteRate) UnmarshalText(text []byte) error {
	rate, err := ParseRate(string(text))
	if err != nil {
		return err
	}
	*r = rate
	return nil
}

func (r ByteRate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// BytesPerSecond truncates the rate to whole bytes.
func (r ByteRate) BytesPerSecond() int64 {
	return int64(r)
}

// String renders the rate with a binary size prefix, e.g. "1.50MiB/s".
func (r ByteRate) String() string {
	val := float64(r)
	prefixes := []struct {
		size units.Base2Bytes
		name string
	}{
		{units.Tebibyte, "TiB"},
		{units.Gibibyte, "GiB"},
		{units.Mebibyte, "MiB"},
		{units.Kibibyte, "KiB"},
	}
	for _, p := range prefixes {
		if val >= float64(p.size) {
			return fmt.Sprintf("%.2f%s/s", val/float64(p.size), p.name)
		}
	}
	return fmt.Sprintf("%.0fB/s", val)
}

func parseDuration(s string) (time.Duration, error) {
	switch s {
	case "", "s", "sec":
		return time.Second, nil
	case "m", "min":
		return time.Minute, nil
	case "h", "hr":
		return time.Hour, nil
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	if d, err := time.ParseDuration("1" + s); err == nil && d > 0 {
		return d, nil
	}
	return 0, errors.Errorf("invalid time duration: %s", s)
}

// ParseRate parses "<size>[/<duration>]". The size is a plain byte count or
// a unit-suffixed size ("10KB" is 10000 bytes, "10KiB" is 10240); the
// duration defaults to one second.
func ParseRate(s string) (ByteRate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty rate string")
	}

	sizeStr, durStr, _ := strings.Cut(s, "/")
	sizeStr = strings.TrimSpace(sizeStr)
	duration, err := parseDuration(strings.TrimSpace(durStr))
	if err != nil {
		return 0, err
	}

	var size float64
	if n, err := strconv.ParseFloat(sizeStr, 64); err == nil {
		size = n
	} else {
		n, err := units.ParseStrictBytes(sizeStr)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid size %q", sizeStr)
		}
		size = float64(n)
	}
	if size < 0 {
		return 0, errors.Errorf("negative rate %q", s)
	}
	return ByteRate(size / duration.Seconds()), nil
}
