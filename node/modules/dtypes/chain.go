package dtypes

// NetworkName is the name of the network the node participates in. It is used
// to namespace gossip topics so that disjoint networks never cross-pollinate.
type NetworkName string
