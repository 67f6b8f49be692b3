package fetch

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/streamvault/streamvault/internal/telegram"
)

// fetchCDN serves the remainder of a fetch after the origin DC redirected it
// to a CDN delivery DC. The CDN session is ephemeral: freshly opened here,
// closed when the loop ends, never pooled. The origin session stays involved
// for re-upload requests and hash lists.
func fetchCDN(
	ctx context.Context,
	origin *telegram.Session,
	dialer telegram.Dialer,
	redirect *tg.UploadFileCDNRedirect,
	offset, chunksLeft int64,
	timeout, sleepThreshold time.Duration,
	log zerolog.Logger,
	emit func([]byte) error,
) error {
	cdn, err := telegram.ConnectCDN(ctx, dialer, redirect.DCID)
	if err != nil {
		return err
	}
	defer cdn.Close()

	cdnAPI := cdn.API()
	originAPI := origin.API()
	var fetched int64
	for {
		var reply tg.UploadCDNFileClass
		err := telegram.Invoke(ctx, timeout, sleepThreshold, func(ctx context.Context) error {
			var ierr error
			reply, ierr = cdnAPI.UploadGetCDNFile(ctx, &tg.UploadGetCDNFileRequest{
				FileToken: redirect.FileToken,
				Offset:    offset,
				Limit:     ChunkSize,
			})
			return ierr
		})
		if err != nil {
			return err
		}

		if need, ok := reply.(*tg.UploadCDNFileReuploadNeeded); ok {
			// The delivery DC lost this range; ask the origin to push it
			// back, then retry the same offset.
			err := telegram.Invoke(ctx, timeout, sleepThreshold, func(ctx context.Context) error {
				_, ierr := originAPI.UploadReuploadCDNFile(ctx, &tg.UploadReuploadCDNFileRequest{
					FileToken:    redirect.FileToken,
					RequestToken: need.RequestToken,
				})
				return ierr
			})
			if err != nil {
				if errors.Is(err, telegram.ErrPermanentNotFound) {
					return err
				}
				return fmt.Errorf("error re-uploading CDN range at offset %d: %w", offset, err)
			}
			continue
		}

		file, ok := reply.(*tg.UploadCDNFile)
		if !ok {
			return fmt.Errorf("unexpected upload.getCdnFile reply %T", reply)
		}
		ciphertext := file.Bytes
		if len(ciphertext) == 0 {
			return nil
		}

		plain, err := decryptCDNChunk(redirect.EncryptionKey, redirect.EncryptionIv, offset, ciphertext)
		if err != nil {
			return err
		}

		var hashes []tg.FileHash
		err = telegram.Invoke(ctx, timeout, sleepThreshold, func(ctx context.Context) error {
			var ierr error
			hashes, ierr = originAPI.UploadGetCDNFileHashes(ctx, &tg.UploadGetCDNFileHashesRequest{
				FileToken: redirect.FileToken,
				Offset:    offset,
			})
			return ierr
		})
		if err != nil {
			return err
		}
		if err := verifySegments(plain, hashes, offset); err != nil {
			return err
		}

		if err := emit(plain); err != nil {
			return err
		}
		fetched++
		offset += ChunkSize
		if len(ciphertext) < ChunkSize || fetched >= chunksLeft {
			return nil
		}
	}
}

// decryptCDNChunk undoes the CDN stream cipher: AES-256-CTR keyed by the
// redirect key, IV taken from the redirect with its trailing 4 bytes replaced
// by big-endian offset/16 (the CTR block counter for this position).
func decryptCDNChunk(key, baseIV []byte, offset int64, ciphertext []byte) ([]byte, error) {
	if len(baseIV) != aes.BlockSize {
		return nil, fmt.Errorf("bad CDN IV length %d", len(baseIV))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("error building CDN cipher: %v", err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, baseIV[:12])
	binary.BigEndian.PutUint32(iv[12:], uint32(offset/16))
	plain := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plain, ciphertext)
	return plain, nil
}

// verifySegments checks every declared sub-segment of the decrypted chunk
// against its SHA-256 digest. Any mismatch poisons the chunk.
func verifySegments(plain []byte, hashes []tg.FileHash, chunkOffset int64) error {
	for i, h := range hashes {
		start := h.Offset - chunkOffset
		end := start + int64(h.Limit)
		if start < 0 || end > int64(len(plain)) {
			// Hash list covers ranges beyond this chunk; they belong to
			// neighbouring requests.
			continue
		}
		sum := sha256.Sum256(plain[start:end])
		if !bytes.Equal(sum[:], h.Hash) {
			return &telegram.IntegrityError{Offset: chunkOffset, Segment: i}
		}
	}
	return nil
}
