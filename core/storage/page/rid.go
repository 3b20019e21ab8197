package page

import "fmt"

// RID locates a tuple: the page it lives on and its slot within that page.
type RID struct {
	PageID  PageID
	SlotNum int32
}

// NewRID builds a record id.
func NewRID(pageID PageID, slotNum int32) RID {
	return RID{PageID: pageID, SlotNum: slotNum}
}

// InvalidRID marks end-of-iteration and unset record ids.
var InvalidRID = RID{PageID: InvalidPageID, SlotNum: -1}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}
