package backup

import "github.com/forest6511/ssiagent/pkg/errs"

// Backup/Recover errors
var (
	// ErrBackupNotFound indicates the backup file does not exist.
	ErrBackupNotFound = errs.New(errs.NotFound, "backup: backup file not found")

	// ErrBackupExists indicates the output file exists and Force was not set.
	ErrBackupExists = errs.New(errs.AlreadyExists, "backup: output file already exists")

	// ErrInvalidBackup indicates the file is not a well-formed backup record.
	ErrInvalidBackup = errs.New(errs.InvalidArgument, "backup: invalid backup file")

	// ErrUnsupportedVersion indicates the backup format version is not supported.
	ErrUnsupportedVersion = errs.New(errs.InvalidArgument, "backup: unsupported backup format version")

	// ErrAuthFailed indicates a wrong passphrase or a modified backup. The two
	// cases are indistinguishable by construction.
	ErrAuthFailed = errs.New(errs.BackupAuthFailed, "backup: authentication failed: wrong passphrase or corrupted backup")

	// ErrEmptyPassword indicates an empty password or passphrase was provided.
	ErrEmptyPassword = errs.New(errs.InvalidArgument, "backup: password cannot be empty")
)
