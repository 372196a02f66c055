package contracts

// VoltEscrowABI covers the escrow functions the settlement engine calls.
const VoltEscrowABI = `[
  {"type":"function","name":"associateWithToken","stateMutability":"nonpayable",
   "inputs":[{"name":"token","type":"address"}],"outputs":[]},
  {"type":"function","name":"releaseIToken","stateMutability":"nonpayable",
   "inputs":[{"name":"investor","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"int64"}],"outputs":[]},
  {"type":"function","name":"recordInvestment","stateMutability":"nonpayable",
   "inputs":[{"name":"investor","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"settleInvestment","stateMutability":"nonpayable",
   "inputs":[{"name":"investor","type":"address"},{"name":"index","type":"uint256"},{"name":"yieldAmount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"investmentsLength","stateMutability":"view",
   "inputs":[{"name":"investor","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"investments","stateMutability":"view",
   "inputs":[{"name":"investor","type":"address"},{"name":"index","type":"uint256"}],
   "outputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"yieldPaid","type":"uint256"},{"name":"settled","type":"bool"}]},
  {"type":"function","name":"owner","stateMutability":"view",
   "inputs":[],"outputs":[{"name":"","type":"address"}]}
]`
