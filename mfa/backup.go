package mfa

import (
	"crypto/subtle"

	"github.com/veldtlabs/tenauth/internal"
)

// BackupCodeCount is the number of single-use codes issued per setup.
// Re-running setup replaces the whole batch.
const BackupCodeCount = 10

// GenerateBackupCodes returns plaintext codes for one-time display and
// the SHA-256 digests that get persisted. The plaintext is never stored.
func GenerateBackupCodes() (codes []string, hashes []string, err error) {
	codes = make([]string, 0, BackupCodeCount)
	hashes = make([]string, 0, BackupCodeCount)

	for i := 0; i < BackupCodeCount; i++ {
		code, err := internal.NewBackupCode()
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, internal.HashBackupCode(code))
	}

	return codes, hashes, nil
}

// ConsumeBackupCode matches code against the stored digests. On a match
// it returns the remaining digests with the spent one removed and true;
// otherwise the input slice and false. Every stored digest is compared
// regardless of an early match so lookup cost does not reveal position.
func ConsumeBackupCode(code string, hashes []string) ([]string, bool) {
	digest := internal.HashBackupCode(code)

	matched := -1
	for i, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(digest)) == 1 && matched == -1 {
			matched = i
		}
	}
	if matched == -1 {
		return hashes, false
	}

	remaining := make([]string, 0, len(hashes)-1)
	remaining = append(remaining, hashes[:matched]...)
	remaining = append(remaining, hashes[matched+1:]...)
	return remaining, true
}
