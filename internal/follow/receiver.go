package follow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopystream/internal/catalog"
	"github.com/jfoltran/pgcopystream/internal/config"
	"github.com/jfoltran/pgcopystream/internal/pgsql"
	"github.com/jfoltran/pgcopystream/internal/signals"
	"github.com/jfoltran/pgcopystream/internal/workdir"
	"github.com/jfoltran/pgcopystream/pkg/lsn"
)

const (
	recvTimeout      = 100 * time.Millisecond
	feedbackInterval = 1 * time.Second
)

// Receiver consumes the logical decoding stream and writes one JSON
// record per message into WAL-named segment files. Upstream feedback is
// pinned to the sentinel's flush position so the slot never advances
// past what is durable downstream.
type Receiver struct {
	cfg    *config.Config
	dir    *workdir.Dir
	cat    *catalog.Store
	flags  *signals.Flags
	parser Parser
	logger zerolog.Logger

	conn       *pgconn.PgConn
	timeline   uint32
	walSegSize uint64

	// rotated announces finished segments to the transformer; it must
	// not block indefinitely.
	rotated func(string)
}

// NewReceiver builds a Receiver. rotated may be nil when no transformer
// is attached (stream receive alone).
func NewReceiver(cfg *config.Config, dir *workdir.Dir, cat *catalog.Store,
	flags *signals.Flags, rotated func(string), logger zerolog.Logger) (*Receiver, error) {

	parser, err := NewParser(cfg.Follow.Plugin)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		cfg:     cfg,
		dir:     dir,
		cat:     cat,
		flags:   flags,
		parser:  parser,
		rotated: rotated,
		logger:  logger.With().Str("component", "receive").Logger(),
	}, nil
}

// Run identifies the source, connects the slot, and streams until
// endpos or a stop signal.
func (r *Receiver) Run(ctx context.Context) error {
	retry := pgsql.DefaultRetry()
	conn, err := pgsql.ConnectReplication(ctx, r.cfg.Source.ReplicationDSN(), retry, r.logger)
	if err != nil {
		return err
	}
	r.conn = conn
	defer conn.Close(context.Background())

	if err := r.identifySystem(ctx); err != nil {
		return err
	}

	snt, err := r.cat.GetSentinel(ctx)
	if err != nil {
		return err
	}

	startLSN := snt.StartPos
	if st, err := loadLSNState(r.dir); err != nil {
		return err
	} else if st != nil && st.Flushed > startLSN {
		startLSN = st.Flushed
	}

	pluginArgs, err := pluginArgs(r.cfg.Follow.Plugin)
	if err != nil {
		return err
	}
	err = pglogrepl.StartReplication(ctx, r.conn, r.cfg.Follow.SlotName, startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
	if err != nil {
		return fmt.Errorf("start replication at %s: %w", startLSN, err)
	}
	r.logger.Info().
		Str("slot", r.cfg.Follow.SlotName).
		Str("plugin", r.cfg.Follow.Plugin).
		Stringer("start_lsn", startLSN).
		Msg("streaming started")

	return r.receiveLoop(ctx, startLSN)
}

// identifySystem records the upstream identity: timeline, WAL segment
// size, and (past timeline 1) the parsed history file.
func (r *Receiver) identifySystem(ctx context.Context) error {
	ident, err := pglogrepl.IdentifySystem(ctx, r.conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	r.timeline = uint32(ident.Timeline)
	r.logger.Info().
		Str("system_id", ident.SystemID).
		Int32("timeline", ident.Timeline).
		Stringer("xlogpos", ident.XLogPos).
		Msg("identified source system")

	if err := os.WriteFile(r.dir.TimelineFile(),
		[]byte(fmt.Sprintf("%d\n", ident.Timeline)), 0o644); err != nil {
		return fmt.Errorf("write timeline file: %w", err)
	}

	segSize, err := r.fetchWalSegmentSize(ctx)
	if err != nil {
		return err
	}
	r.walSegSize = segSize
	if err := os.WriteFile(r.dir.WalSegSizeFile(),
		[]byte(fmt.Sprintf("%d\n", segSize)), 0o644); err != nil {
		return fmt.Errorf("write wal segment size file: %w", err)
	}

	if ident.Timeline > 1 {
		hist, err := pglogrepl.TimelineHistory(ctx, r.conn, ident.Timeline)
		if err != nil {
			return fmt.Errorf("timeline history: %w", err)
		}
		if err := os.WriteFile(r.dir.TimelineHistoryFile(), hist.Content, 0o644); err != nil {
			return fmt.Errorf("write timeline history file: %w", err)
		}
		entries, err := ParseTimelineHistory(r.timeline, string(hist.Content))
		if err != nil {
			return err
		}
		if err := r.cat.AddTimelineHistory(ctx, entries); err != nil {
			return err
		}
	}
	return nil
}

// fetchWalSegmentSize asks the server for its segment size; the value
// decides the segment file naming and rotation boundaries.
func (r *Receiver) fetchWalSegmentSize(ctx context.Context) (uint64, error) {
	results, err := r.conn.Exec(ctx, "SHOW wal_segment_size").ReadAll()
	if err != nil {
		return 0, fmt.Errorf("show wal_segment_size: %w", err)
	}
	if len(results) == 0 || len(results[0].Rows) == 0 || len(results[0].Rows[0]) == 0 {
		return 0, fmt.Errorf("show wal_segment_size: empty result")
	}
	text := string(results[0].Rows[0][0])
	size, err := config.ParseByteSize(text)
	if err != nil {
		return 0, fmt.Errorf("wal_segment_size %q: %w", text, err)
	}
	return uint64(size), nil
}

func pluginArgs(plugin string) ([]string, error) {
	switch plugin {
	case "test_decoding":
		return []string{"include-xids 'on'", "include-timestamp 'on'"}, nil
	case "wal2json":
		return []string{
			"format-version '2'",
			"include-xids 'true'",
			"include-timestamp 'true'",
			"include-lsn 'true'",
		}, nil
	default:
		return nil, fmt.Errorf("unsupported output plugin %q", plugin)
	}
}

func (r *Receiver) receiveLoop(ctx context.Context, startLSN pglogrepl.LSN) error {
	writer := newSegmentWriter(r.dir, r.timeline, r.walSegSize, r.rotated)
	defer func() {
		if err := writer.Rotate(); err != nil {
			r.logger.Warn().Err(err).Msg("final segment rotation failed")
		}
	}()

	lastFeedback := time.Time{}
	serverWALEnd := startLSN

	for {
		if r.flags.Asked() {
			r.logger.Info().Msg("stop requested, shutting down receiver")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastFeedback) >= feedbackInterval {
			stop, err := r.feedback(ctx, writer, serverWALEnd, false)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			lastFeedback = time.Now()
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := r.conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("replication stream error: %s: %s (SQLSTATE %s)",
				errResp.Severity, errResp.Message, errResp.Code)
		}
		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if pkm.ServerWALEnd > serverWALEnd {
				serverWALEnd = pkm.ServerWALEnd
			}
			// A keepalive inside an open segment becomes a marker record
			// so replay progress can advance without DML traffic.
			if writer.Name() != "" &&
				lsn.SameSegment(pkm.ServerWALEnd, writer.Written(), r.walSegSize) {
				if err := writer.Append(Message{Action: ActionKeepalive, LSN: pkm.ServerWALEnd}); err != nil {
					return err
				}
			}
			if pkm.ReplyRequested {
				if _, err := r.feedback(ctx, writer, serverWALEnd, true); err != nil {
					return err
				}
				lastFeedback = time.Now()
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlogdata: %w", err)
			}
			if xld.ServerWALEnd > serverWALEnd {
				serverWALEnd = xld.ServerWALEnd
			}
			msgs, err := r.parser.Parse(xld.WALData, xld.WALStart)
			if err != nil {
				// Decoding parse failures are fatal: there is no safe
				// way to resynchronize a half-parsed stream.
				return fmt.Errorf("decode %s payload at %s: %w", r.parser.Plugin(), xld.WALStart, err)
			}
			for _, msg := range msgs {
				if err := writer.Append(msg); err != nil {
					return err
				}
			}
		}
	}
}

// feedback makes the segments durable, synchronizes the sentinel, and
// reports standby status upstream. Returns true once endpos is reached.
func (r *Receiver) feedback(ctx context.Context, writer *segmentWriter,
	serverWALEnd pglogrepl.LSN, replyRequested bool) (bool, error) {

	if err := writer.Flush(); err != nil {
		return false, err
	}

	written := writer.Written()
	flushed := writer.Flushed()
	if written == lsn.InvalidLSN {
		// No data yet: report the server's own position so the slot
		// does not hold back WAL removal while idle.
		written, flushed = serverWALEnd, serverWALEnd
	}

	snt, err := r.cat.SyncRecv(ctx, written, flushed)
	if err != nil {
		return false, err
	}

	err = pglogrepl.SendStandbyStatusUpdate(ctx, r.conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: snt.WriteLSN,
		WALFlushPosition: snt.FlushLSN,
		WALApplyPosition: snt.ReplayLSN,
		ClientTime:       time.Now(),
		ReplyRequested:   replyRequested,
	})
	if err != nil {
		return false, fmt.Errorf("send standby status: %w", err)
	}

	if err := saveLSNState(r.dir, r.timeline, writer.Written(), writer.Flushed(), writer.Name()); err != nil {
		return false, err
	}

	if snt.EndPos != lsn.InvalidLSN && written >= snt.EndPos {
		r.logger.Info().
			Stringer("endpos", snt.EndPos).
			Stringer("written", writer.Written()).
			Msg("endpos reached, stopping receiver")
		if err := writer.Append(Message{Action: ActionEndpos, LSN: snt.EndPos}); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// OriginName returns the configured replication origin, defaulting to
// the product name.
func OriginName(cfg *config.Config) string {
	if cfg.Follow.Origin != "" {
		return cfg.Follow.Origin
	}
	return "pgcopystream"
}

// WriteOriginFile persists the origin name under cdc/ so a resumed run
// can verify it matches.
func WriteOriginFile(dir *workdir.Dir, origin string) error {
	if err := os.WriteFile(dir.OriginFile(), []byte(origin+"\n"), 0o644); err != nil {
		return fmt.Errorf("write origin file: %w", err)
	}
	return nil
}

// VerifyOriginFile enforces the resume contract on the origin name.
func VerifyOriginFile(dir *workdir.Dir, origin string) error {
	b, err := os.ReadFile(dir.OriginFile())
	if os.IsNotExist(err) {
		return WriteOriginFile(dir, origin)
	}
	if err != nil {
		return fmt.Errorf("read origin file: %w", err)
	}
	onDisk := strings.TrimSpace(string(b))
	if onDisk != origin {
		return fmt.Errorf("origin %q does not match the one on file (%q)", origin, onDisk)
	}
	return nil
}
