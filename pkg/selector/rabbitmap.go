/*
   Copyright 2026 Rabbit Authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package selector

import (
	"strings"

	"github.com/dgoldman0/rabbit/pkg/api"
)

// SameBurrow is the host-column value meaning "same burrow as the
// carrier".
const SameBurrow = "="

// Entry is one line of a Rabbitmap menu body.
type Entry struct {
	Type     api.ItemType
	Display  string
	Selector string
	Host     string // SameBurrow, or a burrow identity/address
}

// Line renders e as "<type><display>\t<selector>\t<host>\t", a
// tab-separated line with a trailing tab before the CRLF the caller
// appends.
func (e Entry) Line() string {
	var b strings.Builder
	b.WriteByte(byte(e.Type))
	b.WriteString(e.Display)
	b.WriteByte('\t')
	b.WriteString(e.Selector)
	b.WriteByte('\t')
	host := e.Host
	if host == "" {
		host = SameBurrow
	}
	b.WriteString(host)
	b.WriteByte('\t')
	return b.String()
}

// Menu renders a whole Rabbitmap body: one Line() per entry, CRLF
// terminated, closed by a lone "." line.
func Menu(entries []Entry) []byte {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Line())
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return []byte(b.String())
}

// ParseEntry parses one Rabbitmap line (without the trailing CRLF).
func ParseEntry(line string) (Entry, bool) {
	if line == "" {
		return Entry{}, false
	}
	fields := strings.Split(line, "\t")
	if len(fields) < 3 {
		return Entry{}, false
	}
	head := fields[0]
	if head == "" {
		return Entry{}, false
	}
	return Entry{
		Type:     api.ItemType(head[0]),
		Display:  head[1:],
		Selector: fields[1],
		Host:     fields[2],
	}, true
}
