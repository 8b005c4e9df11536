package transport

import "context"

// PeerChannel is a platform destination a logical peer owner maps to.
type PeerChannel struct {
	ChannelID   string
	ChannelName string
}

// StaticResolver resolves peer owners from a fixed table supplied by
// configuration. An explicit ChannelID override in the request always
// wins over the table.
type StaticResolver struct {
	peers map[string]PeerChannel
}

// NewStaticResolver builds a resolver over the given owner -> channel
// table. The map is copied; later mutation by the caller has no effect.
func NewStaticResolver(peers map[string]PeerChannel) *StaticResolver {
	copied := make(map[string]PeerChannel, len(peers))
	for owner, ch := range peers {
		copied[owner] = ch
	}
	return &StaticResolver{peers: copied}
}

// ResolveChannel implements ChannelResolver. Unknown owners are an
// expected condition and come back as CHANNEL_RESOLVE_FAILED, never as
// a panic or Go error.
func (r *StaticResolver) ResolveChannel(_ context.Context, in ResolveInput) ResolveResult {
	if in.ChannelID != "" {
		return ResolveResult{Success: true, ChannelID: in.ChannelID}
	}
	ch, ok := r.peers[in.TargetPeerOwner]
	if !ok || ch.ChannelID == "" {
		return ResolveFailure(CodeChannelResolveFailed, "no channel mapping for peer owner %q", in.TargetPeerOwner)
	}
	return ResolveResult{Success: true, ChannelID: ch.ChannelID, ChannelName: ch.ChannelName}
}
