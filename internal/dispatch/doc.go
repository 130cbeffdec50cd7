// Package dispatch archives one action at a time.
//
// A Processor fetches an action's definition and status from the BigFix
// server and writes them, together with the query row, into the archive sink:
//
//	{issuer}/{id}_action.xml
//	{issuer}/{id}_result.xml
//	{issuer}/{id}_META.txt
//
// Multiple action groups additionally get their member actions archived under
// {issuer}/{id}_MAG/, one component at a time.
//
// Error handling:
//   - Any fetch or write failure ends processing of that action and is
//     reported in its Result; it never affects other actions.
//   - A failed component marks the whole group as failed.
//   - The Processor never deletes anything. Deletion is decided by the caller
//     once the archive writes have returned.
package dispatch
