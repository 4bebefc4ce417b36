// Package sshfiles is the file transfer engine. It works on the file
// channel the connection manager probed for each session, which is an SFTP
// client for SSH sessions and the local filesystem for local ones.
//
// # Operations
//
//   - [Engine.UploadFile] and [Engine.UploadDirectory] never overwrite: a
//     taken name gets a numeric suffix, see [UniqueRemoteName].
//   - [Engine.DownloadFile] replaces the local target.
//   - [Engine.DeleteFile] refuses blank paths, "*" and "/" before touching
//     the channel.
//   - [Engine.Chmod] takes an octal mode string and can recurse.
//   - [Engine.List] reports failures as "cannot open directory" messages
//     keyed by SFTP status code.
//
// Every operation is counted in [Metrics]; operations slower than 500ms are
// logged at warn level.
package sshfiles
