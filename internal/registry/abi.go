package registry

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const registryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "serviceId", "type": "bytes32"},
      {"indexed": true, "internalType": "address", "name": "provider", "type": "address"},
      {"indexed": false, "internalType": "string", "name": "metadataURI", "type": "string"}
    ],
    "name": "ServiceRegistered",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "serviceId", "type": "bytes32"}
    ],
    "name": "ServiceActivated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "serviceId", "type": "bytes32"},
      {"indexed": true, "internalType": "address", "name": "challenger", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "deadline", "type": "uint256"}
    ],
    "name": "ServiceChallenged",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "serviceId", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "ServiceSlashed",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "serviceId", "type": "bytes32"},
      {"indexed": false, "internalType": "bool", "name": "malicious", "type": "bool"}
    ],
    "name": "ChallengeResolved",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "serviceId", "type": "bytes32"},
      {"indexed": false, "internalType": "uint256", "name": "totalCalls", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "successCount", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "bayesianScore", "type": "uint256"}
    ],
    "name": "ReputationUpdated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "serviceId", "type": "bytes32"}
    ],
    "name": "ServiceWithdrawn",
    "type": "event"
  },
  {
    "inputs": [{"internalType": "bytes32", "name": "serviceId", "type": "bytes32"}],
    "name": "getStake",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

var (
	registryABI     abi.ABI
	registryABIOnce sync.Once
	registryABIErr  error
)

// ABI returns the parsed service registry ABI.
func ABI() (abi.ABI, error) {
	registryABIOnce.Do(func() {
		registryABI, registryABIErr = abi.JSON(strings.NewReader(registryABIJSON))
	})
	return registryABI, registryABIErr
}
