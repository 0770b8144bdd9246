package narrator

// LastSpoken exposes the ledger key lookup to the external test package.
var LastSpoken = (*Ledger).lastSpoken
