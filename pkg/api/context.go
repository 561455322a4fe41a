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

package api

import "context"

type sessionKey struct{}
type laneKey struct{}

// WithSessionID attaches a tunnel's negotiated session identity to ctx,
// so deep call chains (dispatcher, subscription engine) can log it
// without threading it through every function signature.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session identity stashed by WithSessionID, or
// "" if none was attached.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionKey{}).(string)
	return v
}

// WithLaneID attaches the lane a request arrived on to ctx.
func WithLaneID(ctx context.Context, lane uint32) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// LaneID returns the lane stashed by WithLaneID and whether one was set.
func LaneID(ctx context.Context) (uint32, bool) {
	v, ok := ctx.Value(laneKey{}).(uint32)
	return v, ok
}
