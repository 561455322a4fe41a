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

// Package warren implements a dispatch.Resolver backed by a directory
// tree on disk: every selector's Rest is a relative path under a root,
// directories list as menus and regular files serve as content.
package warren

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/dispatch"
	"github.com/dgoldman0/rabbit/pkg/selector"
)

// Store resolves LIST/FETCH/SEARCH/DESCRIBE against a local directory
// tree rooted at root. It never forwards to another burrow, so Peers
// always reports none.
type Store struct {
	root string
}

// Open roots a Store at dir, creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return nil, errors.Wrapf(err, "warren: creating root %s", dir)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "warren: resolving root %s", dir)
	}
	return &Store{root: abs}, nil
}

// resolvePath maps a selector's Rest onto a path under root, rejecting
// anything that would climb outside it via "..".
func (s *Store) resolvePath(rest string) (string, error) {
	cleaned := filepath.Clean("/" + rest)
	full := filepath.Join(s.root, cleaned)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", errors.Errorf("warren: selector escapes root: %q", rest)
	}
	return full, nil
}

// Resolve implements dispatch.Resolver.
func (s *Store) Resolve(_ context.Context, sel selector.Selector) (dispatch.Resolution, error) {
	path, err := s.resolvePath(sel.Rest)
	if err != nil {
		return dispatch.Resolution{Kind: dispatch.KindForbidden}, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dispatch.Resolution{Kind: dispatch.KindNotFound}, nil
		}
		return dispatch.Resolution{}, errors.Wrapf(err, "warren: stat %s", path)
	}

	if info.IsDir() {
		entries, err := s.listDir(path, sel.Rest)
		if err != nil {
			return dispatch.Resolution{}, err
		}
		return dispatch.Resolution{Kind: dispatch.KindMenu, Menu: entries}, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return dispatch.Resolution{}, errors.Wrapf(err, "warren: reading %s", path)
	}
	return dispatch.Resolution{Kind: dispatch.KindContent, Content: body, View: viewFor(path)}, nil
}

func (s *Store) listDir(path, rest string) ([]selector.Entry, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "warren: reading dir %s", path)
	}
	sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

	entries := make([]selector.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		childSel := strings.TrimSuffix(rest, "/") + "/" + de.Name()
		if de.IsDir() {
			entries = append(entries, selector.Entry{
				Type:     api.ItemMenu,
				Display:  de.Name(),
				Selector: "/0" + childSel,
			})
			continue
		}
		entries = append(entries, selector.Entry{
			Type:     api.ItemFile,
			Display:  de.Name(),
			Selector: "/1" + childSel,
		})
	}
	return entries, nil
}

// Search walks the tree under sel looking for names containing query,
// case-insensitively, and reports them as a menu.
func (s *Store) Search(_ context.Context, sel selector.Selector, query string) (dispatch.Resolution, error) {
	root, err := s.resolvePath(sel.Rest)
	if err != nil {
		return dispatch.Resolution{Kind: dispatch.KindForbidden}, nil
	}
	needle := strings.ToLower(query)

	var matches []selector.Entry
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root || !strings.Contains(strings.ToLower(d.Name()), needle) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		childSel := "/" + filepath.ToSlash(rel)
		if d.IsDir() {
			matches = append(matches, selector.Entry{Type: api.ItemMenu, Display: d.Name(), Selector: "/0" + childSel})
			return nil
		}
		matches = append(matches, selector.Entry{Type: api.ItemFile, Display: d.Name(), Selector: "/1" + childSel})
		return nil
	})
	if walkErr != nil {
		if os.IsNotExist(walkErr) {
			return dispatch.Resolution{Kind: dispatch.KindNotFound}, nil
		}
		return dispatch.Resolution{}, errors.Wrapf(walkErr, "warren: searching %s", root)
	}
	return dispatch.Resolution{Kind: dispatch.KindMenu, Menu: matches}, nil
}

// Peers reports no known warren peers; Store never forwards selectors
// to another burrow.
func (s *Store) Peers(_ context.Context) ([]string, error) { return nil, nil }

var viewByExt = map[string]string{
	".txt":  "text/plain",
	".md":   "text/plain",
	".html": "text/html",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
}

func viewFor(path string) string {
	if v, ok := viewByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return v
	}
	return "application/octet-stream"
}
