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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/dgoldman0/rabbit/pkg/api"
	"github.com/dgoldman0/rabbit/pkg/frame"
	"github.com/dgoldman0/rabbit/pkg/selector"
)

type fakeResolver struct {
	resolveFn func(sel selector.Selector) (Resolution, error)
	searchFn  func(sel selector.Selector, query string) (Resolution, error)
	peers     []string
	calls     int
}

func (f *fakeResolver) Resolve(_ context.Context, sel selector.Selector) (Resolution, error) {
	f.calls++
	return f.resolveFn(sel)
}

func (f *fakeResolver) Search(_ context.Context, sel selector.Selector, query string) (Resolution, error) {
	return f.searchFn(sel, query)
}

func (f *fakeResolver) Peers(_ context.Context) ([]string, error) {
	return f.peers, nil
}

type fakeForwarder struct {
	resolution Resolution
	lastHops   int
	err        error
}

func (f *fakeForwarder) Forward(_ context.Context, _ Delegate, _ string, _ selector.Selector, _ string, hops int) (Resolution, error) {
	f.lastHops = hops
	return f.resolution, f.err
}

func listReq(sel string) *frame.Frame {
	f := frame.Frame{Start: frame.StartLine{Token: "LIST", Rest: sel}}
	f.SetHeader("Lane", "3")
	f.SetHeader("Txn", "t1")
	return &f
}

func TestDispatchListRendersMenu(t *testing.T) {
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		require.Equal(t, api.ItemMenu, sel.Type)
		return Resolution{Kind: KindMenu, Menu: []selector.Entry{
			{Type: api.ItemFile, Display: "readme", Selector: "/1/readme"},
		}}, nil
	}}
	d := New(r, nil, Config{})

	resp, err := d.Dispatch(context.Background(), listReq("/"), 0)
	require.NoError(t, err)
	require.Contains(t, resp.Start.Token, "200")
	require.Contains(t, string(resp.Body), "/1/readme")
}

func TestDispatchListRejectsNonMenuSelector(t *testing.T) {
	r := &fakeResolver{}
	d := New(r, nil, Config{})

	_, err := d.Dispatch(context.Background(), listReq("/1/readme"), 0)
	require.Error(t, err)
}

func TestDispatchFetchNotFound(t *testing.T) {
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		return Resolution{Kind: KindNotFound}, nil
	}}
	d := New(r, nil, Config{})

	req := frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/missing"}}
	req.SetHeader("Lane", "3")
	req.SetHeader("Txn", "t2")
	_, err := d.Dispatch(context.Background(), &req, 0)
	require.Error(t, err)
	require.True(t, api.IsNotFound(err))
}

func TestDispatchMovedSetsLocation(t *testing.T) {
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		return Resolution{Kind: KindMoved, Location: "/1/new-home"}, nil
	}}
	d := New(r, nil, Config{})

	req := frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/old"}}
	resp, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	loc, ok := resp.Header("Location")
	require.True(t, ok)
	require.Equal(t, "/1/new-home", loc)
}

func TestDispatchDelegateForwardsThroughForwarder(t *testing.T) {
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		return Resolution{Kind: KindDelegate, Delegate: Delegate{Burrow: "peer-a", Selector: "/1/x"}}, nil
	}}
	fw := &fakeForwarder{resolution: Resolution{Kind: KindContent, Content: []byte("hi"), View: "text/plain"}}
	d := New(r, fw, Config{})

	req := frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/x"}}
	resp, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	require.Equal(t, "hi", string(resp.Body))
	require.Equal(t, 1, fw.lastHops)
}

func TestDispatchDelegateRejectsExcessiveHops(t *testing.T) {
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		return Resolution{Kind: KindDelegate, Delegate: Delegate{Burrow: "peer-a"}}, nil
	}}
	fw := &fakeForwarder{}
	d := New(r, fw, Config{MaxHops: 2})

	req := frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/x"}}
	_, err := d.Dispatch(context.Background(), &req, 2)
	require.Error(t, err)
	require.True(t, api.IsFlowLimit(err))
}

func TestDispatchIdemCacheSkipsSecondResolve(t *testing.T) {
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		return Resolution{Kind: KindContent, Content: []byte("once"), View: "text/plain"}, nil
	}}
	d := New(r, nil, Config{})

	req := frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/x"}}
	req.SetHeader("Idem", "abc123")

	resp1, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	resp2, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	require.Equal(t, resp1.Body, resp2.Body)
	require.Equal(t, 1, r.calls)
}

func TestDispatchIdemEntryExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		return Resolution{Kind: KindContent, Content: []byte("once"), View: "text/plain"}, nil
	}}
	d := New(r, nil, Config{IdemTTL: time.Second, Clock: clock})

	req := frame.Frame{Start: frame.StartLine{Token: "FETCH", Rest: "/1/x"}}
	req.SetHeader("Idem", "abc123")

	_, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, err = d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	require.Equal(t, 2, r.calls)
}

func TestDispatchOfferListsPeers(t *testing.T) {
	r := &fakeResolver{peers: []string{"burrow: ed25519:abcd", "burrow: dns:peer.example"}}
	d := New(r, nil, Config{})

	req := frame.Frame{Start: frame.StartLine{Token: "OFFER", Rest: "/warren"}}
	resp, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	require.Contains(t, string(resp.Body), "ed25519:abcd")
	require.Contains(t, string(resp.Body), "dns:peer.example")
}

func TestDispatchPingRepliesPong(t *testing.T) {
	d := New(&fakeResolver{}, nil, Config{})

	req := frame.Frame{Start: frame.StartLine{Token: "PING"}}
	resp, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	require.Contains(t, resp.Start.Token, "PONG")
}

func TestDispatchDescribeRendersSchema(t *testing.T) {
	r := &fakeResolver{resolveFn: func(sel selector.Selector) (Resolution, error) {
		return Resolution{Kind: KindDescription, Description: map[string]interface{}{
			"title": "news item",
			"fields": []interface{}{
				map[string]interface{}{"name": "headline", "type": "string", "description": "the title"},
			},
		}}, nil
	}}
	d := New(r, nil, Config{})

	req := frame.Frame{Start: frame.StartLine{Token: "DESCRIBE", Rest: "/u/news/1"}}
	resp, err := d.Dispatch(context.Background(), &req, 0)
	require.NoError(t, err)
	require.Contains(t, string(resp.Body), "headline")
	require.Contains(t, string(resp.Body), "news item")
}
