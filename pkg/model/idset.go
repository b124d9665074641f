package model

import "sort"

// IDSet is a sorted, duplicate-free set of user ids.
type IDSet []int64

// NewIDSet builds a set from ids in any order.
func NewIDSet(ids ...int64) IDSet {
	var s IDSet
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Has reports whether id is in the set.
func (s IDSet) Has(id int64) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= id })
	return i < len(s) && s[i] == id
}

// Add inserts id and reports whether the set changed.
func (s *IDSet) Add(id int64) bool {
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i] >= id })
	if i < len(*s) && (*s)[i] == id {
		return false
	}
	*s = append(*s, 0)
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = id
	return true
}

// Remove deletes id and reports whether the set changed.
func (s *IDSet) Remove(id int64) bool {
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i] >= id })
	if i >= len(*s) || (*s)[i] != id {
		return false
	}
	*s = append((*s)[:i], (*s)[i+1:]...)
	return true
}

// Clone returns an independent copy.
func (s IDSet) Clone() IDSet {
	if s == nil {
		return nil
	}
	out := make(IDSet, len(s))
	copy(out, s)
	return out
}

// Intersects reports whether any id is in both sets.
func (s IDSet) Intersects(other IDSet) bool {
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] == other[j]:
			return true
		case s[i] < other[j]:
			i++
		default:
			j++
		}
	}
	return false
}
