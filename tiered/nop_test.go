package tiered

import "github.com/dcbickfo/embedpipe/kvstore"

type nopStore struct {
	kvstore.Store
}
