package netsource

import (
	"strconv"
	"sync/atomic"
	"time"

	"nuha.dev/loctrack/internal/source/netsource/gt06"
)

// handleGT06 serves a GT06/GK310 tracker. Every frame after the login is
// answered the way the device firmware expects or it reconnects.
func (s *Server) handleGT06(c *Conn) error {
	msg := gt06.NewMessage(1024)
	if err := gt06.ReadMessage(c, msg); err != nil {
		return err
	}
	if msg.Protocol != gt06.LOGIN {
		s.log.Warn().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Int("protocol", int(msg.Protocol)).Msg("")
		return errNotLoggedIn
	}
	login, err := gt06.ParseLoginMessage(msg.Payload)
	if err != nil {
		s.log.Warn().Str("event", LOGIN_MESSAGE_ERROR).EmbedObject(c).Err(err).Msg("")
		return err
	}
	if _, err := c.Write(gt06.LoginOK(msg.Serial)); err != nil {
		return err
	}
	zone := login.Zone()
	s.log.Info().Str("event", LOGIN_MESSAGE).EmbedObject(c).Str("serial", login.IMEI).Str("device_type", "gt06").Dur("time_offset", login.TimeOffset).Msg("")

	var last gt06.StatusInfo
	for {
		c.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		if err := gt06.ReadMessage(c, msg); err != nil {
			return err
		}
		procode := strconv.FormatUint(uint64(msg.Protocol), 16)
		s.log.Trace().EmbedObject(c).Str("procode", procode).Hex("payload", msg.Payload).Int("serial", msg.Serial).Msg("receive message from terminal")
		switch {
		case msg.Protocol == gt06.TIME_CHECK:
			if _, err := c.Write(gt06.TimeResponse(time.Now(), msg.Serial)); err != nil {
				return err
			}
		case msg.Protocol == gt06.STATUS_INFORMATION:
			st, err := gt06.ParseStatusInformation(msg.Payload)
			if err != nil {
				s.log.Warn().EmbedObject(c).Err(err).Msg("invalid status information")
				continue
			}
			if _, err := c.Write(gt06.Ack(gt06.STATUS_INFORMATION, msg.Serial)); err != nil {
				return err
			}
			if st != last {
				s.log.Info().EmbedObject(c).Object("status", &st).Msg("status changed")
				last = st
			}
		case gt06.IsPosition(msg.Protocol):
			pos, st, err := gt06.ParsePosition(msg.Protocol, msg.Payload, zone)
			if err != nil {
				atomic.AddUint64(&s.invalid, 1)
				s.log.Warn().EmbedObject(c).Str("procode", procode).Err(err).Msg("invalid location")
				continue
			}
			if st != nil && *st != last {
				s.log.Info().EmbedObject(c).Object("status", st).Int("alarm", st.AlarmCode).Msg("alarm")
				last = *st
			}
			if !pos.Positioned {
				atomic.AddUint64(&s.invalid, 1)
				s.log.Debug().EmbedObject(c).Object("position", &pos).Msg("no gps fix")
				continue
			}
			s.deliver(pos.Sample())
		case msg.Protocol == gt06.STRING_INFORMATION || msg.Protocol == gt06.SERVER_COMMAND_RESPONSE:
			res, err := gt06.ParseCommandResponse(msg.Protocol, msg.Payload)
			if err != nil {
				s.log.Warn().EmbedObject(c).Err(err).Msg("invalid command response")
				continue
			}
			s.log.Info().EmbedObject(c).Uint32("server_flag", res.ServerFlag).Str("message", res.Message).Msg("command response")
		case msg.Protocol == gt06.INFORMATION_TX_PACKET:
			s.log.Debug().EmbedObject(c).Hex("data", msg.Payload).Msg("information packet")
		default:
			s.log.Warn().EmbedObject(c).Str("procode", procode).Hex("data", msg.Payload).Msg("unhandled event protocol")
		}
	}
}
