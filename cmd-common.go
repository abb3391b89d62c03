package main

// storageName is the fixed logical name nescli gives every storage it
// opens, so a subcommand can address a storage by directory alone:
// <dir>/store, <dir>/store.index, <dir>/store.<index-name>.index, ...
const storageName = "store"
