package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// CacheManagerABI covers the events and views of the Stylus CacheManager
// contract that the indexer reads.
const CacheManagerABI = `[
	{"type":"event","name":"InsertBid","anonymous":false,"inputs":[
		{"name":"codehash","type":"bytes32","indexed":true},
		{"name":"program","type":"address","indexed":false},
		{"name":"bid","type":"uint192","indexed":false},
		{"name":"size","type":"uint64","indexed":false}]},
	{"type":"event","name":"DeleteBid","anonymous":false,"inputs":[
		{"name":"codehash","type":"bytes32","indexed":true},
		{"name":"bid","type":"uint192","indexed":false},
		{"name":"size","type":"uint64","indexed":false}]},
	{"type":"event","name":"SetCacheSize","anonymous":false,"inputs":[
		{"name":"size","type":"uint64","indexed":false}]},
	{"type":"event","name":"SetDecayRate","anonymous":false,"inputs":[
		{"name":"decay","type":"uint64","indexed":false}]},
	{"type":"event","name":"Pause","anonymous":false,"inputs":[]},
	{"type":"event","name":"Unpause","anonymous":false,"inputs":[]},
	{"type":"function","name":"getEntries","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"tuple[]","components":[
			{"name":"code","type":"bytes32"},
			{"name":"size","type":"uint64"},
			{"name":"bid","type":"uint192"}]}]}
]`

// ParseCacheManagerABI parses CacheManagerABI.
func ParseCacheManagerABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(CacheManagerABI))
}
