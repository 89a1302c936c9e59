package trustkit

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const ticketRecordVersion1 = 1

var errTicketBackend = errors.New("pending ticket backend unavailable")

// pendingTicket is the short-lived bridge between a correct password and a
// passed second factor. It lives only in Redis and never outlasts its TTL.
type pendingTicket struct {
	UserID    string
	ExpiresAt int64
	Attempts  uint16
}

type ticketStore struct {
	redis  redis.UniversalClient
	prefix string
}

func newTicketStore(redisClient redis.UniversalClient, prefix string) *ticketStore {
	if prefix == "" {
		prefix = "tkt"
	}
	return &ticketStore{redis: redisClient, prefix: prefix}
}

func (s *ticketStore) key(ticketID string) string {
	return s.prefix + ":" + ticketID
}

func (s *ticketStore) Save(ctx context.Context, ticketID string, record *pendingTicket, ttl time.Duration) error {
	encoded, err := encodeTicket(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(ticketID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errTicketBackend, err)
	}
	return nil
}

func (s *ticketStore) Get(ctx context.Context, ticketID string) (*pendingTicket, error) {
	data, err := s.redis.Get(ctx, s.key(ticketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrTicketInvalid
		}
		return nil, fmt.Errorf("%w: %v", errTicketBackend, err)
	}

	record, err := decodeTicket(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(ticketID)).Result()
		return nil, ErrTicketExpired
	}
	return record, nil
}

// Consume deletes the ticket and reports whether this caller won the
// delete. Exactly one concurrent submitter sees true.
func (s *ticketStore) Consume(ctx context.Context, ticketID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(ticketID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errTicketBackend, err)
	}
	return n > 0, nil
}

// RecordFailure bumps the attempt count under WATCH so concurrent failures
// cannot lose increments. When the budget is burned the ticket is deleted
// and exceeded is true.
func (s *ticketStore) RecordFailure(ctx context.Context, ticketID string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(ticketID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeTicket(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrTicketExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return nil
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrTicketExpired
			}

			updated, err := encodeTicket(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrTicketInvalid
			}
			if errors.Is(err, ErrTicketExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", errTicketBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrTicketInvalid
}

func encodeTicket(record *pendingTicket) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(ticketRecordVersion1)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("ticket user id length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)

	return buf.Bytes(), nil
}

func decodeTicket(data []byte) (*pendingTicket, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != ticketRecordVersion1 {
		return nil, errors.New("invalid ticket record version")
	}

	record := &pendingTicket{}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	record.UserID = string(user)

	return record, nil
}
