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

// Package selector parses Rabbit selectors and enforces which verbs a
// given item type legally accepts.
package selector

import (
	"strings"

	"github.com/dgoldman0/rabbit/pkg/api"
)

// Selector is a parsed path of the form /<type><rest>.
type Selector struct {
	Raw  string
	Type api.ItemType
	Rest string // sub-path after the type character, may be empty
}

// ErrInvalidSelector reports a selector that doesn't parse.
type ErrInvalidSelector struct{ Raw string }

func (e *ErrInvalidSelector) Error() string { return "invalid selector: " + e.Raw }

var knownTypes = map[api.ItemType]bool{
	api.ItemMenu:        true,
	api.ItemFile:        true,
	api.ItemSearch:      true,
	api.ItemBinary:      true,
	api.ItemTopic:       true,
	api.ItemDescription: true,
	api.ItemImage:       true,
}

// Parse validates and splits a selector string. A selector must begin
// with '/'; the next byte is the item-type character; anything after
// that is the sub-path, unexamined here.
func Parse(raw string) (Selector, error) {
	if raw == "/" {
		return Selector{Raw: raw, Type: api.ItemMenu, Rest: ""}, nil
	}
	if !strings.HasPrefix(raw, "/") || len(raw) < 2 {
		return Selector{}, &ErrInvalidSelector{Raw: raw}
	}
	t := api.ItemType(raw[1])
	if !knownTypes[t] {
		return Selector{}, &ErrInvalidSelector{Raw: raw}
	}
	return Selector{Raw: raw, Type: t, Rest: raw[2:]}, nil
}

// IsMenu reports whether this selector names a listable menu (type 0
// or, degenerately, the root "/").
func (s Selector) IsMenu() bool {
	return s.Raw == "/" || s.Type == api.ItemMenu
}

// verbLegality enumerates which verbs may target which item type. A
// type absent from this map accepts no verb beyond FETCH/DESCRIBE,
// which are legal against every resolvable selector.
var verbLegality = map[api.ItemType]map[api.Verb]bool{
	api.ItemMenu:  {api.VerbList: true},
	api.ItemTopic: {api.VerbSubscribe: true, api.VerbPublish: true},
	api.ItemSearch: {api.VerbSearch: true},
}

// Permits reports whether verb is legal against a selector of this
// type. FETCH and DESCRIBE are universally legal against any parsed
// selector; every other verb is restricted by the type character,
// which determines which verbs are legal.
func (s Selector) Permits(verb api.Verb) bool {
	switch verb {
	case api.VerbFetch, api.VerbDescribe:
		return true
	}
	if legal, ok := verbLegality[s.Type]; ok {
		return legal[verb]
	}
	return false
}

// String returns the original selector text.
func (s Selector) String() string { return s.Raw }
