package domain

// Chain IDs of the Arbitrum networks running Stylus.
const (
	ChainIDArbitrumOne     = "42161"
	ChainIDArbitrumNova    = "42170"
	ChainIDArbitrumSepolia = "421614"
)

// ChainIDToName maps known chain ids to a readable name.
var ChainIDToName = map[string]string{
	ChainIDArbitrumOne:     "arbitrum-one",
	ChainIDArbitrumNova:    "arbitrum-nova",
	ChainIDArbitrumSepolia: "arbitrum-sepolia",
}

// ChainName returns the known name of chainID, or chainID itself.
func ChainName(chainID string) string {
	if name, ok := ChainIDToName[chainID]; ok {
		return name
	}
	return chainID
}
