// Package rbtree implements the MDL's Ordered Index: a red-black tree of
// region descriptors keyed by base address, intrusive in the descriptor
// struct itself (no separate node allocation), in the same spirit as the
// buddy allocator's in-place free lists threaded through the arena it
// manages.
package rbtree

import "github.com/ptarmigan-os/mdl/internal/region"

// Tree is a red-black tree ordering descriptors by BaseAddress. The zero
// value is an empty, usable tree.
type Tree struct {
	root  *region.Descriptor
	count int
}

// Len returns the number of descriptors currently in the tree.
func (t *Tree) Len() int { return t.count }

func isRed(n *region.Descriptor) bool {
	return n != nil && n.Red
}

// Insert places a new descriptor given its (unique) base address. The
// caller guarantees BaseAddress does not already exist in the tree —
// disjointness (invariant 1) makes that guarantee structural.
func (t *Tree) Insert(d *region.Descriptor) {
	d.Left, d.Right, d.Parent = nil, nil, nil
	d.Red = true

	var parent *region.Descriptor
	cur := t.root
	goLeft := false
	for cur != nil {
		parent = cur
		if d.BaseAddress < cur.BaseAddress {
			cur = cur.Left
			goLeft = true
		} else {
			cur = cur.Right
			goLeft = false
		}
	}

	d.Parent = parent
	if parent == nil {
		t.root = d
	} else if goLeft {
		parent.Left = d
	} else {
		parent.Right = d
	}

	t.count++
	t.insertFixup(d)
}

func (t *Tree) rotateLeft(x *region.Descriptor) {
	y := x.Right
	x.Right = y.Left
	if y.Left != nil {
		y.Left.Parent = x
	}
	y.Parent = x.Parent
	if x.Parent == nil {
		t.root = y
	} else if x == x.Parent.Left {
		x.Parent.Left = y
	} else {
		x.Parent.Right = y
	}
	y.Left = x
	x.Parent = y
}

func (t *Tree) rotateRight(x *region.Descriptor) {
	y := x.Left
	x.Left = y.Right
	if y.Right != nil {
		y.Right.Parent = x
	}
	y.Parent = x.Parent
	if x.Parent == nil {
		t.root = y
	} else if x == x.Parent.Right {
		x.Parent.Right = y
	} else {
		x.Parent.Left = y
	}
	y.Right = x
	x.Parent = y
}

func (t *Tree) insertFixup(z *region.Descriptor) {
	for isRed(z.Parent) {
		parent := z.Parent
		grand := parent.Parent
		if grand == nil {
			break
		}
		if parent == grand.Left {
			uncle := grand.Right
			if isRed(uncle) {
				parent.Red = false
				uncle.Red = false
				grand.Red = true
				z = grand
				continue
			}
			if z == parent.Right {
				z = parent
				t.rotateLeft(z)
				parent = z.Parent
				grand = parent.Parent
			}
			parent.Red = false
			grand.Red = true
			t.rotateRight(grand)
		} else {
			uncle := grand.Left
			if isRed(uncle) {
				parent.Red = false
				uncle.Red = false
				grand.Red = true
				z = grand
				continue
			}
			if z == parent.Left {
				z = parent
				t.rotateRight(z)
				parent = z.Parent
				grand = parent.Parent
			}
			parent.Red = false
			grand.Red = true
			t.rotateLeft(grand)
		}
	}
	t.root.Red = false
}

func minNode(n *region.Descriptor) *region.Descriptor {
	for n.Left != nil {
		n = n.Left
	}
	return n
}

func (t *Tree) transplant(u, v *region.Descriptor) {
	if u.Parent == nil {
		t.root = v
	} else if u == u.Parent.Left {
		u.Parent.Left = v
	} else {
		u.Parent.Right = v
	}
	if v != nil {
		v.Parent = u.Parent
	}
}

// Remove detaches a known descriptor from the tree.
func (t *Tree) Remove(z *region.Descriptor) {
	y := z
	yOriginalRed := y.Red
	var x, xParent *region.Descriptor

	if z.Left == nil {
		x = z.Right
		xParent = z.Parent
		t.transplant(z, z.Right)
	} else if z.Right == nil {
		x = z.Left
		xParent = z.Parent
		t.transplant(z, z.Left)
	} else {
		y = minNode(z.Right)
		yOriginalRed = y.Red
		x = y.Right
		if y.Parent == z {
			xParent = y
		} else {
			xParent = y.Parent
			t.transplant(y, y.Right)
			y.Right = z.Right
			y.Right.Parent = y
		}
		t.transplant(z, y)
		y.Left = z.Left
		y.Left.Parent = y
		y.Red = z.Red
	}

	t.count--
	z.Left, z.Right, z.Parent = nil, nil, nil

	if !yOriginalRed {
		t.deleteFixup(x, xParent)
	}
}

func (t *Tree) deleteFixup(x, parent *region.Descriptor) {
	for x != t.root && !isRed(x) {
		if parent == nil {
			break
		}
		if x == parent.Left {
			sibling := parent.Right
			if isRed(sibling) {
				sibling.Red = false
				parent.Red = true
				t.rotateLeft(parent)
				sibling = parent.Right
			}
			if !isRed(sibling.Left) && !isRed(sibling.Right) {
				sibling.Red = true
				x = parent
				parent = x.Parent
				continue
			}
			if !isRed(sibling.Right) {
				if sibling.Left != nil {
					sibling.Left.Red = false
				}
				sibling.Red = true
				t.rotateRight(sibling)
				sibling = parent.Right
			}
			sibling.Red = parent.Red
			parent.Red = false
			if sibling.Right != nil {
				sibling.Right.Red = false
			}
			t.rotateLeft(parent)
			x = t.root
		} else {
			sibling := parent.Left
			if isRed(sibling) {
				sibling.Red = false
				parent.Red = true
				t.rotateRight(parent)
				sibling = parent.Left
			}
			if !isRed(sibling.Right) && !isRed(sibling.Left) {
				sibling.Red = true
				x = parent
				parent = x.Parent
				continue
			}
			if !isRed(sibling.Left) {
				if sibling.Right != nil {
					sibling.Right.Red = false
				}
				sibling.Red = true
				t.rotateLeft(sibling)
				sibling = parent.Left
			}
			sibling.Red = parent.Red
			parent.Red = false
			if sibling.Left != nil {
				sibling.Left.Red = false
			}
			t.rotateRight(parent)
			x = t.root
		}
	}
	if x != nil {
		x.Red = false
	}
}

// ClosestNotGreater returns the descriptor with the greatest base address
// less than or equal to addr, or nil if none exists. This is the single
// primitive every lookup in the MDL is built on (see mdl.List.Lookup).
func (t *Tree) ClosestNotGreater(addr uint64) *region.Descriptor {
	var best *region.Descriptor
	cur := t.root
	for cur != nil {
		if cur.BaseAddress == addr {
			return cur
		}
		if cur.BaseAddress < addr {
			best = cur
			cur = cur.Right
		} else {
			cur = cur.Left
		}
	}
	return best
}

// Min returns the descriptor with the smallest base address, or nil if the
// tree is empty.
func (t *Tree) Min() *region.Descriptor {
	if t.root == nil {
		return nil
	}
	return minNode(t.root)
}

// Successor returns the descriptor with the next-greater base address, or
// nil if d is the maximum.
func (t *Tree) Successor(d *region.Descriptor) *region.Descriptor {
	if d.Right != nil {
		return minNode(d.Right)
	}
	cur := d
	parent := d.Parent
	for parent != nil && cur == parent.Right {
		cur = parent
		parent = parent.Parent
	}
	return parent
}

// Predecessor returns the descriptor with the next-lesser base address, or
// nil if d is the minimum.
func (t *Tree) Predecessor(d *region.Descriptor) *region.Descriptor {
	if d.Left != nil {
		n := d.Left
		for n.Right != nil {
			n = n.Right
		}
		return n
	}
	cur := d
	parent := d.Parent
	for parent != nil && cur == parent.Left {
		cur = parent
		parent = parent.Parent
	}
	return parent
}

// Walk visits every descriptor in ascending base-address order. visit must
// not mutate the tree; the only caller that needs to tear the tree down
// while walking (destroy) collects a side list instead of mutating inline.
func (t *Tree) Walk(visit func(*region.Descriptor)) {
	var inorder func(*region.Descriptor)
	inorder = func(n *region.Descriptor) {
		if n == nil {
			return
		}
		inorder(n.Left)
		visit(n)
		inorder(n.Right)
	}
	inorder(t.root)
}
