// Uses a bitwise trie with bitmap, or "[Array Mapped Trie]" (AMT), but with a twist.
// Single-child nodes are also compressed, making this a Radix.
//
// Each internal node has a bitmap that is used to denote valid child nodes.
// Each bit in the bitmap represents the presence (or absence) of a child node.
//
// Keys have the form "123-6446", and are normalized into an internal key before use.
// This normalization consists of parsing the two base-10 numbers in the key,
// separated by "-", and representing them as base-64 in a slice of integers.
// Each item in the slice is a digit in the base-64 number, between 0 and 63, inclusive.
//
// The two slices have a fixed length of 11 (since you need no more base-64 digits to
// represent all uint64 values). They are concatenated together, yielding a final
// internal "key" that always has a length of 22.
//
// By zero-padding the internal keys, all values are pushed out to the leaves of the
// tree. Hence why internal nodes cannot keep values. A prefix tree with fixed-length
// keys, denoting numbers in a common base (in this case 64), will maintain the
// invariant that for any node, all nodes with a "smaller" key will be to the left
// of it, and all nodes with a "larger" key will be to the right of it.
//
// The bitmap field denotes the valid child branches of the node. Each bit in the
// bitmap represents the presence (or absence) of a child node. The digit slice
// described above functions as bit shift offsets into this bitmap, in order to
// find the bit that signifies the existence of a corresponding child node.
//
// Once the existence of a subnode is determined, a bitwise population count helps
// determine the index into the `children` slice: the number of high bits in the
// bitmap *before* the bit we just checked is our index. bits.OnesCount64 is an
// intrinsic on most architectures, so this compiles to a single native instruction.
//
// [Array Mapped Trie]: https://infoscience.epfl.ch/server/api/core/bitstreams/607d2e29-f659-463b-b2e0-4b910300d2cf/content
package streams

import (
	"math/bits"
)

// RxNode is a node of the radix tree.
type RxNode struct {
	entry      *Entry // only leaves carry an entry
	bitmap     uint64
	extraChars []uint8 // extra characters (internal key symbols) for compressed single-child nodes. Any children of the node belong to the last symbol in this field.
	children   []RxNode
}

// Entry is a stream (key, value) pair.
type Entry struct {
	Key Key
	Val any
}

// longestCommonPrefix finds the node with the longest common prefix with key.
//
// Also returns the index, into key, where the search failed. If it never
// failed, this value is -1 and bestMatch is guaranteed to be an exact match.
// If the search failed while walking the node's extraChars field, the third
// return value holds the failing index into extraChars; otherwise it is -1.
func (n *RxNode) longestCommonPrefix(key internalKey) (
	bestMatch *RxNode, failIdx int, extraFailIdx int,
) {
	var currentNode = n
	for depth := 0; ; depth++ {
		for i, char := range currentNode.extraChars {
			if char != key[depth+i] {
				return currentNode, depth + i, i
			}
		}
		depth += len(currentNode.extraChars)

		if depth == len(key) {
			return currentNode, -1, -1
		}

		bitmapOffset := key[depth]
		bitmask := uint64(1 << bitmapOffset)
		if currentNode.bitmap&bitmask == 0 { // no valid child
			return currentNode, depth, -1
		}
		currentNode = &currentNode.children[getChildIdx(currentNode.bitmap, bitmapOffset)]
	}
}

// create returns a node satisfying key, starting from n, creating any
// intermediate nodes necessary.
func (n *RxNode) create(key internalKey) *RxNode {
	node, failIdx, extraFailIdx := n.longestCommonPrefix(key)
	if failIdx == -1 {
		return node // node already exists
	}

	var newNode *RxNode
	if extraFailIdx == -1 {
		bitmapOffset := key[failIdx]
		bitmask := uint64(1 << bitmapOffset)
		node.bitmap |= bitmask
		childIdx := getChildIdx(node.bitmap, bitmapOffset)
		node.appendChild(childIdx)
		newNode = &node.children[childIdx]
	} else {
		// Search failed while walking extraChars: split the compressed node
		// into the remaining suffix and a new sibling for key.
		splitNode := *node // shallow copy; append-only, so sharing the backing array is safe
		splitNode.extraChars = node.extraChars[extraFailIdx+1:]

		splitNodeOffset := node.extraChars[extraFailIdx]
		newNodeOffset := key[failIdx]
		if newNodeOffset > splitNodeOffset {
			node.children = []RxNode{splitNode, {}}
			newNode = &node.children[1]
		} else {
			node.children = []RxNode{{}, splitNode}
			newNode = &node.children[0]
		}
		node.extraChars = node.extraChars[:extraFailIdx]
		node.bitmap = uint64(1 << splitNodeOffset)
		node.bitmap |= uint64(1 << newNodeOffset)
		node.entry = nil
	}

	// Any remaining symbols of key can be compressed straight into newNode:
	// we're inserting a single value, so no branches are possible until leaf.
	lastPartOfKey := key[failIdx+1:]
	if len(lastPartOfKey) > 0 {
		newNode.extraChars = make([]uint8, len(lastPartOfKey))
		copy(newNode.extraChars, lastPartOfKey)
	}

	return newNode
}

// appendChild makes sure childIdx is a valid index into n's children.
func (n *RxNode) appendChild(childIdx int) {
	if n.children == nil {
		n.children = []RxNode{{}}
		return
	}
	if len(n.children)+1 > cap(n.children) {
		newChildren := make([]RxNode, len(n.children)+1, cap(n.children)+2)
		copy(newChildren, n.children[:childIdx])
		copy(newChildren[childIdx+1:], n.children[childIdx:])
		n.children = newChildren
		return
	}

	n.children = n.children[:len(n.children)+1]
	copy(n.children[childIdx+1:], n.children[childIdx:])
	n.children[childIdx] = RxNode{}
}

// rangeEntries returns entries under n with a key between fromKey and toKey,
// inclusive, ordered from lowest to highest.
func (n *RxNode) rangeEntries(fromKey internalKey, toKey internalKey) []Entry {
	var currentNode = n
	for depth := 0; ; depth++ {
		for i, char := range currentNode.extraChars {
			fromKeySymbol := fromKey[depth+i]
			toKeySymbol := toKey[depth+i]

			if fromKeySymbol == toKeySymbol && toKeySymbol == char {
				continue
			}

			if fromKeySymbol == toKeySymbol {
				return []Entry{}
			}

			if fromKeySymbol < char && char < toKeySymbol {
				return currentNode.getAllLeaves()
			}

			if char < fromKeySymbol || toKeySymbol < char {
				return []Entry{}
			}

			if char == fromKeySymbol {
				return currentNode.higherEntries(fromKey[depth:])
			}

			if char == toKeySymbol {
				return currentNode.lowerEntries(toKey[depth:])
			}
		}

		depth += len(currentNode.extraChars)

		if depth == len(fromKey) {
			return []Entry{*currentNode.entry} // only when fromKey and toKey are identical
		}

		if fromKey[depth] == toKey[depth] {
			bitmapOffset := toKey[depth]
			bitmask := uint64(1 << bitmapOffset)
			if currentNode.bitmap&bitmask == 0 {
				return []Entry{}
			}
			currentNode = &currentNode.children[getChildIdx(currentNode.bitmap, bitmapOffset)]
			continue
		}

		// fromKey and toKey's shared path deviates here.
		result := []Entry{}
		fromKeyBitmask := uint64(1 << fromKey[depth])
		if currentNode.bitmap&fromKeyBitmask != 0 {
			fromNode := currentNode.children[getChildIdx(currentNode.bitmap, fromKey[depth])]
			result = append(result, fromNode.higherEntries(fromKey[depth+1:])...)
		}

		for i := fromKey[depth] + 1; i < toKey[depth]; i++ {
			bitmask := uint64(1 << i)
			if currentNode.bitmap&bitmask != 0 {
				childNode := currentNode.children[getChildIdx(currentNode.bitmap, i)]
				result = append(result, childNode.getAllLeaves()...)
			}
		}

		toKeyBitmask := uint64(1 << toKey[depth])
		if currentNode.bitmap&toKeyBitmask != 0 {
			toNode := currentNode.children[getChildIdx(currentNode.bitmap, toKey[depth])]
			result = append(result, toNode.lowerEntries(toKey[depth+1:])...)
		}

		return result
	}
}

// higherEntries returns entries under n with a key >= key, ordered low to high.
func (n *RxNode) higherEntries(key internalKey) []Entry {
	higherNodes := n.higherSiblingsDFS(key)
	entries := make([]Entry, 0, len(higherNodes))
	for i := len(higherNodes) - 1; i >= 0; i-- {
		entries = append(entries, higherNodes[i].getAllLeaves()...)
	}
	return entries
}

// lowerEntries returns entries under n with a key <= key, ordered low to high.
func (n *RxNode) lowerEntries(key internalKey) []Entry {
	lowerNodes := n.lowerSiblingsDFS(key)
	entries := make([]Entry, 0, len(lowerNodes))
	for _, node := range lowerNodes {
		entries = append(entries, node.getAllLeaves()...)
	}
	return entries
}

// getAllLeaves returns all entries under n, ordered from lowest to highest key.
func (n *RxNode) getAllLeaves() []Entry {
	entries := make([]Entry, 0, 1)

	nodeStack := []*RxNode{n}
	var node *RxNode
	for len(nodeStack) > 0 {
		nodeStack, node = pop(nodeStack)
		if node.entry != nil {
			entries = append(entries, *node.entry)
		} else {
			nodeStack = appendPtrsReverse(nodeStack, node.children)
		}
	}

	return entries
}

// higherSiblingsDFS returns nodes whose children all have a key >= key,
// ordered highest to lowest.
func (n *RxNode) higherSiblingsDFS(key internalKey) []*RxNode {
	result := []*RxNode{}
	var currentNode = n
	for depth := 0; ; depth++ {
		for ii, char := range currentNode.extraChars {
			if char < key[depth+ii] {
				return result
			} else if char > key[depth+ii] {
				return append(result, currentNode)
			}
		}
		depth += len(currentNode.extraChars)

		if depth == len(key) {
			return append(result, currentNode)
		}

		bitmapOffset := key[depth]
		bitmask := uint64(1 << bitmapOffset)
		childIdx := getChildIdx(currentNode.bitmap, bitmapOffset)

		if currentNode.bitmap&bitmask == 0 {
			return appendPtrsReverse(result, currentNode.children[childIdx:])
		}

		result = appendPtrsReverse(result, currentNode.children[childIdx+1:])
		currentNode = &currentNode.children[childIdx]
	}
}

// lowerSiblingsDFS returns nodes whose children all have a key <= key,
// ordered lowest to highest.
func (n *RxNode) lowerSiblingsDFS(key internalKey) []*RxNode {
	result := []*RxNode{}
	var currentNode = n
	for depth := 0; ; depth++ {
		for ii, char := range currentNode.extraChars {
			if char > key[depth+ii] {
				return result
			} else if char < key[depth+ii] {
				return append(result, currentNode)
			}
		}
		depth += len(currentNode.extraChars)

		if depth == len(key) {
			return append(result, currentNode)
		}

		bitmapOffset := key[depth]
		bitmask := uint64(1 << bitmapOffset)
		childIdx := getChildIdx(currentNode.bitmap, bitmapOffset)

		if currentNode.bitmap&bitmask == 0 {
			return appendPtrs(result, currentNode.children[:childIdx])
		}

		result = appendPtrs(result, currentNode.children[:childIdx])
		currentNode = &currentNode.children[childIdx]
	}
}

func appendPtrs(ptrSlice []*RxNode, slice []RxNode) []*RxNode {
	for i := range slice {
		ptrSlice = append(ptrSlice, &slice[i])
	}
	return ptrSlice
}

func appendPtrsReverse(ptrSlice []*RxNode, slice []RxNode) []*RxNode {
	for i := (len(slice) - 1); i >= 0; i-- {
		ptrSlice = append(ptrSlice, &slice[i])
	}
	return ptrSlice
}

func pop(s []*RxNode) ([]*RxNode, *RxNode) {
	val := s[len(s)-1]
	return s[:len(s)-1], val
}

// getChildIdx checks bitmap against bitmapOffset and returns what the index
// of the corresponding child node would be, whether or not it exists yet.
func getChildIdx(bitmap uint64, bitmapOffset uint8) int {
	if bitmapOffset == 0 {
		return 0
	}
	onesCountBitmask := MaxUint64 >> (64 - bitmapOffset)
	return bits.OnesCount64(bitmap & onesCountBitmask)
}
