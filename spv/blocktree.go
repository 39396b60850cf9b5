// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	headersBucket  = []byte("headers") // block hash -> node record
	chainBucket    = []byte("chain")   // big-endian height -> best chain hash
	treeMetaBucket = []byte("meta")
	tipKey         = []byte("tip")
)

// ChainHeader is a block header with its hash and height.
type ChainHeader struct {
	Header wire.BlockHeader
	Hash   chainhash.Hash
	Height int32
}

type treeNode struct {
	ChainHeader
	work *big.Int // cumulative work of the chain ending at this node
}

func (n *treeNode) encode() []byte {
	var b bytes.Buffer
	var height [4]byte
	binary.BigEndian.PutUint32(height[:], uint32(n.Height))
	b.Write(height[:])
	// Serialization to a bytes.Buffer can not fail.
	_ = n.Header.Serialize(&b)
	b.Write(n.work.Bytes())
	return b.Bytes()
}

func decodeTreeNode(hash []byte, v []byte) (*treeNode, error) {
	if len(v) < 4+wire.MaxBlockHeaderPayload {
		return nil, errors.E(errors.Encoding, "short block tree record")
	}
	n := new(treeNode)
	copy(n.Hash[:], hash)
	n.Height = int32(binary.BigEndian.Uint32(v))
	if err := n.Header.Deserialize(bytes.NewReader(v[4 : 4+wire.MaxBlockHeaderPayload])); err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	n.work = new(big.Int).SetBytes(v[4+wire.MaxBlockHeaderPayload:])
	return n, nil
}

// TreeChange describes a change of the best chain.  Removed headers are
// ordered from the previous tip downwards; added headers are ordered upwards
// to the new tip.
type TreeChange struct {
	Removed []*ChainHeader
	Added   []*ChainHeader
}

// Fork returns the height of the last block shared by the previous and the new
// best chain.
func (c *TreeChange) Fork() int32 {
	if len(c.Removed) > 0 {
		return c.Removed[len(c.Removed)-1].Height - 1
	}
	if len(c.Added) > 0 {
		return c.Added[0].Height - 1
	}
	return -1
}

// BlockTree is a persistent tree of proof-of-work checked block headers.  The
// best chain is the chain with the most cumulative work.  Difficulty
// retargeting is not validated.
type BlockTree struct {
	db     *bolt.DB
	params *chaincfg.Params
	mu     sync.Mutex
	tip    *treeNode
}

func heightKey(height int32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(height))
	return k
}

// OpenBlockTree opens or creates the block tree database at path.  A new tree
// holds only the genesis block of params.
func OpenBlockTree(path string, params *chaincfg.Params) (*BlockTree, error) {
	const op errors.Op = "spv.OpenBlockTree"

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	t := &BlockTree{db: db, params: params}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{headersBucket, chainBucket, treeMetaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.E(errors.IO, err)
			}
		}
		meta := tx.Bucket(treeMetaBucket)
		if tip := meta.Get(tipKey); tip != nil {
			t.tip, err = fetchTreeNode(tx, tip)
			if err == nil && t.tip == nil {
				err = errors.E(errors.Encoding, "missing block tree tip")
			}
			return err
		}
		genesis := &treeNode{
			ChainHeader: ChainHeader{
				Header: params.GenesisBlock.Header,
				Hash:   *params.GenesisHash,
			},
			work: blockchain.CalcWork(params.GenesisBlock.Header.Bits),
		}
		if err := tx.Bucket(headersBucket).Put(genesis.Hash[:], genesis.encode()); err != nil {
			return errors.E(errors.IO, err)
		}
		if err := tx.Bucket(chainBucket).Put(heightKey(0), genesis.Hash[:]); err != nil {
			return errors.E(errors.IO, err)
		}
		t.tip = genesis
		return meta.Put(tipKey, genesis.Hash[:])
	})
	if err != nil {
		db.Close()
		return nil, errors.E(op, err)
	}
	log.Debugf("Opened block tree %s at height %d", path, t.tip.Height)
	return t, nil
}

// Close closes the block tree database.
func (t *BlockTree) Close() error {
	return t.db.Close()
}

func fetchTreeNode(tx *bolt.Tx, hash []byte) (*treeNode, error) {
	v := tx.Bucket(headersBucket).Get(hash)
	if v == nil {
		return nil, nil
	}
	return decodeTreeNode(hash, v)
}

func onBestChain(tx *bolt.Tx, n *treeNode) bool {
	h := tx.Bucket(chainBucket).Get(heightKey(n.Height))
	return h != nil && bytes.Equal(h, n.Hash[:])
}

// checkProofOfWork ensures the header target is in range for the network and
// the header hash satisfies it.
func (t *BlockTree) checkProofOfWork(h *wire.BlockHeader, hash *chainhash.Hash) error {
	target := blockchain.CompactToBig(h.Bits)
	if target.Sign() <= 0 || target.Cmp(t.params.PowLimit) > 0 {
		return errors.E(errors.Protocol, errors.Errorf("block %v target "+
			"%064x is out of range", hash, target))
	}
	if blockchain.HashToBig(hash).Cmp(target) > 0 {
		return errors.E(errors.Protocol, errors.Errorf("block %v has "+
			"insufficient proof of work", hash))
	}
	return nil
}

// AddHeaders adds headers to the tree.  Every header must connect to a header
// already in the tree or earlier in headers.  Known headers are skipped.  The
// returned change is nil when the best chain did not change.
func (t *BlockTree) AddHeaders(headers []*wire.BlockHeader) (*TreeChange, error) {
	const op errors.Op = "spv.AddHeaders"

	t.mu.Lock()
	defer t.mu.Unlock()

	var change *TreeChange
	var newTip *treeNode
	err := t.db.Update(func(tx *bolt.Tx) error {
		best := t.tip
		bucket := tx.Bucket(headersBucket)
		for _, h := range headers {
			hash := h.BlockHash()
			if bucket.Get(hash[:]) != nil {
				continue
			}
			parent, err := fetchTreeNode(tx, h.PrevBlock[:])
			if err != nil {
				return err
			}
			if parent == nil {
				return errors.E(errors.Protocol, errors.Errorf("header %v "+
					"does not connect to the block tree", &hash))
			}
			if err := t.checkProofOfWork(h, &hash); err != nil {
				return err
			}
			n := &treeNode{
				ChainHeader: ChainHeader{Header: *h, Hash: hash, Height: parent.Height + 1},
				work:        new(big.Int).Add(parent.work, blockchain.CalcWork(h.Bits)),
			}
			if err := bucket.Put(hash[:], n.encode()); err != nil {
				return errors.E(errors.IO, err)
			}
			if n.work.Cmp(best.work) > 0 {
				best = n
			}
		}
		if best == t.tip {
			return nil
		}
		var err error
		change, err = t.reorganize(tx, best)
		if err != nil {
			return err
		}
		newTip = best
		return tx.Bucket(treeMetaBucket).Put(tipKey, best.Hash[:])
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	if newTip != nil {
		t.tip = newTip
	}
	return change, nil
}

// reorganize makes the chain ending at tip the best chain.
func (t *BlockTree) reorganize(tx *bolt.Tx, tip *treeNode) (*TreeChange, error) {
	chain := tx.Bucket(chainBucket)
	change := new(TreeChange)

	// Walk back from the new tip to the fork with the stored best chain.
	n := tip
	for !onBestChain(tx, n) {
		h := n.ChainHeader
		change.Added = append(change.Added, &h)
		parent, err := fetchTreeNode(tx, n.Header.PrevBlock[:])
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, errors.E(errors.Bug, "block tree node without parent")
		}
		n = parent
	}
	fork := n.Height
	for i, j := 0, len(change.Added)-1; i < j; i, j = i+1, j-1 {
		change.Added[i], change.Added[j] = change.Added[j], change.Added[i]
	}

	for height := t.tip.Height; height > fork; height-- {
		k := heightKey(height)
		old, err := fetchTreeNode(tx, chain.Get(k))
		if err != nil {
			return nil, err
		}
		if old != nil {
			h := old.ChainHeader
			change.Removed = append(change.Removed, &h)
		}
		if err := chain.Delete(k); err != nil {
			return nil, errors.E(errors.IO, err)
		}
	}
	for _, h := range change.Added {
		if err := chain.Put(heightKey(h.Height), h.Hash[:]); err != nil {
			return nil, errors.E(errors.IO, err)
		}
	}
	if len(change.Removed) > 0 {
		log.Infof("Reorganized block tree from height %d to %d (fork at %d)",
			t.tip.Height, tip.Height, fork)
	}
	return change, nil
}

// Tip returns the best chain tip.
func (t *BlockTree) Tip() *ChainHeader {
	t.mu.Lock()
	h := t.tip.ChainHeader
	t.mu.Unlock()
	return &h
}

// Header returns the header with hash and whether it is on the best chain.
func (t *BlockTree) Header(hash *chainhash.Hash) (h *ChainHeader, best bool, err error) {
	const op errors.Op = "spv.Header"
	err = t.db.View(func(tx *bolt.Tx) error {
		n, err := fetchTreeNode(tx, hash[:])
		if err != nil {
			return err
		}
		if n == nil {
			return errors.E(errors.NotExist, errors.Errorf("no header %v", hash))
		}
		h = &n.ChainHeader
		best = onBestChain(tx, n)
		return nil
	})
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	return h, best, nil
}

func bestAt(tx *bolt.Tx, height int32) (*treeNode, error) {
	hash := tx.Bucket(chainBucket).Get(heightKey(height))
	if hash == nil {
		return nil, errors.E(errors.NotExist, errors.Errorf("no best chain block at height %d", height))
	}
	n, err := fetchTreeNode(tx, hash)
	if err == nil && n == nil {
		err = errors.E(errors.Bug, "best chain hash without header")
	}
	return n, err
}

// HeaderAt returns the best chain header at height.
func (t *BlockTree) HeaderAt(height int32) (*ChainHeader, error) {
	const op errors.Op = "spv.HeaderAt"
	var h *ChainHeader
	err := t.db.View(func(tx *bolt.Tx) error {
		n, err := bestAt(tx, height)
		if err != nil {
			return err
		}
		h = &n.ChainHeader
		return nil
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return h, nil
}

// BestHashes returns the best chain hashes from height start through end.
func (t *BlockTree) BestHashes(start, end int32) ([]*chainhash.Hash, error) {
	const op errors.Op = "spv.BestHashes"
	var hashes []*chainhash.Hash
	err := t.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(chainBucket).Cursor()
		for k, v := c.Seek(heightKey(start)); k != nil; k, v = c.Next() {
			if int32(binary.BigEndian.Uint32(k)) > end {
				break
			}
			var h chainhash.Hash
			copy(h[:], v)
			hashes = append(hashes, &h)
		}
		return nil
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return hashes, nil
}

// Locators returns block locators of the best chain for getheaders, beginning
// with the tip and ending with the genesis block.
func (t *BlockTree) Locators() ([]*chainhash.Hash, error) {
	const op errors.Op = "spv.Locators"
	tip := t.Tip()
	var locators []*chainhash.Hash
	err := t.db.View(func(tx *bolt.Tx) error {
		chain := tx.Bucket(chainBucket)
		add := func(height int32) {
			var h chainhash.Hash
			copy(h[:], chain.Get(heightKey(height)))
			locators = append(locators, &h)
		}
		step := int32(1)
		for height := tip.Height; height > 0; height -= step {
			add(height)
			if len(locators) >= 10 {
				step *= 2
			}
		}
		add(0)
		return nil
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return locators, nil
}

// FindFork returns the height of the first locator on the best chain.
func (t *BlockTree) FindFork(locators []chainhash.Hash) (height int32, ok bool) {
	_ = t.db.View(func(tx *bolt.Tx) error {
		for i := range locators {
			n, err := fetchTreeNode(tx, locators[i][:])
			if err != nil {
				return err
			}
			if n != nil && onBestChain(tx, n) {
				height, ok = n.Height, true
				return nil
			}
		}
		return nil
	})
	return height, ok
}

// HeightForTime returns the lowest best chain height with a block timestamp at
// or after the unix time t.  The tip height plus one is returned when every
// block is older.
func (t *BlockTree) HeightForTime(unix uint32) int32 {
	tip := t.Tip()
	target := time.Unix(int64(unix), 0)
	var searchErr error
	i := sort.Search(int(tip.Height)+1, func(i int) bool {
		var ts time.Time
		err := t.db.View(func(tx *bolt.Tx) error {
			n, err := bestAt(tx, int32(i))
			if err != nil {
				return err
			}
			ts = n.Header.Timestamp
			return nil
		})
		if err != nil {
			searchErr = err
			return true
		}
		return !ts.Before(target)
	})
	if searchErr != nil {
		log.Errorf("Block tree search: %v", searchErr)
		return 0
	}
	return int32(i)
}
