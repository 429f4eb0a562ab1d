// # Real-Time Spoken-Conversation Session Core
//
// This repository provides the session core of a language-tutoring voice client: it opens a WebRTC peer connection and data channel to a realtime speech endpoint, streams microphone audio out and synthesized speech in, decodes the turn-based wire protocol, and reconciles connection callbacks, inbound frames, and playback signals into one authoritative session state. It is designed to be imported into your own Go projects and driven through the Controller facade.
package session
