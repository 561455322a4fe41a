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

package warren

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dgoldman0/rabbit/pkg/dispatch"
	"github.com/dgoldman0/rabbit/pkg/selector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi there"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.md"), []byte("# nested"), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestStoreResolveFetchesFile(t *testing.T) {
	s := newTestStore(t)
	sel, err := selector.Parse("/1/hello.txt")
	require.NoError(t, err)

	res, err := s.Resolve(context.Background(), sel)
	require.NoError(t, err)
	require.Equal(t, dispatch.KindContent, res.Kind)
	require.Equal(t, "hi there", string(res.Content))
	require.Equal(t, "text/plain", res.View)
}

func TestStoreResolveListsDirectory(t *testing.T) {
	s := newTestStore(t)
	sel, err := selector.Parse("/0/")
	require.NoError(t, err)

	res, err := s.Resolve(context.Background(), sel)
	require.NoError(t, err)
	require.Equal(t, dispatch.KindMenu, res.Kind)
	require.Len(t, res.Menu, 2)
	require.Equal(t, "hello.txt", res.Menu[0].Display)
	require.Equal(t, "sub", res.Menu[1].Display)
}

func TestStoreResolveMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	sel, err := selector.Parse("/1/missing.txt")
	require.NoError(t, err)

	res, err := s.Resolve(context.Background(), sel)
	require.NoError(t, err)
	require.Equal(t, dispatch.KindNotFound, res.Kind)
}

func TestStoreResolveContainsPathEscapeAttempt(t *testing.T) {
	s := newTestStore(t)
	sel, err := selector.Parse("/1../../../etc/passwd")
	require.NoError(t, err)

	// "../../../etc/passwd" cleaned against a synthetic root collapses
	// to "/etc/passwd", which Store then resolves under its own root
	// rather than the host filesystem's /etc — so the only possible
	// outcomes are "no such file in the store" or forbidden, never a
	// read of the real /etc/passwd.
	res, err := s.Resolve(context.Background(), sel)
	require.NoError(t, err)
	require.Contains(t, []dispatch.Kind{dispatch.KindNotFound, dispatch.KindForbidden}, res.Kind)
}

func TestStoreSearchFindsNestedMatch(t *testing.T) {
	s := newTestStore(t)
	sel, err := selector.Parse("/0/")
	require.NoError(t, err)

	res, err := s.Search(context.Background(), sel, "nested")
	require.NoError(t, err)
	require.Equal(t, dispatch.KindMenu, res.Kind)
	require.Len(t, res.Menu, 1)
	require.Equal(t, "nested.md", res.Menu[0].Display)
}
