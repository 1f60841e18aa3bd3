package runqueue

import "github.com/rs/xid"

func claimToken() string { return xid.New().String() }
