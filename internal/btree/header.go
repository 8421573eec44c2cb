package btree

import (
	"ultrastore/internal/page"
)

// HeaderPageID is the reserved page id carrying the index's
// (index_name, root_page_id) record, per spec.md §6.
const HeaderPageID page.ID = 0

// Header byte layout: 4B name length, name bytes (bounded), then 8B
// root page id at a fixed tail offset so a name-length change never
// shifts the root field.
const (
	headerNameMax    = 256
	headerRootOffset = 4 + headerNameMax
)

func writeHeader(p *page.Page, name string, root page.ID) {
	b := []byte(name)
	if len(b) > headerNameMax {
		b = b[:headerNameMax]
	}
	p.PutUint32(0, uint32(len(b)))
	copy(p.Data[4:4+headerNameMax], b)
	p.PutInt64(headerRootOffset, int64(root))
}

func readHeader(p *page.Page) (name string, root page.ID) {
	n := p.GetUint32(0)
	if n > headerNameMax {
		n = 0
	}
	name = string(p.Data[4 : 4+n])
	root = page.ID(p.GetInt64(headerRootOffset))
	return name, root
}
