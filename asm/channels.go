/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package asm

import "fmt"

// Channel is a co-processor channel number (rdch/wrch operand).
type Channel uint8

const (
	SPU_RdEventStat     Channel = 0
	SPU_WrEventMask     Channel = 1
	SPU_WrEventAck      Channel = 2
	SPU_RdSigNotify1    Channel = 3
	SPU_RdSigNotify2    Channel = 4
	SPU_WrDec           Channel = 7
	SPU_RdDec           Channel = 8
	MFC_WrMSSyncReq     Channel = 9
	SPU_RdEventMask     Channel = 11
	MFC_RdTagMask       Channel = 12
	SPU_RdMachStat      Channel = 13
	SPU_WrSRR0          Channel = 14
	SPU_RdSRR0          Channel = 15
	MFC_LSA             Channel = 16
	MFC_EAH             Channel = 17
	MFC_EAL             Channel = 18
	MFC_Size            Channel = 19
	MFC_TagID           Channel = 20
	MFC_Cmd             Channel = 21
	MFC_WrTagMask       Channel = 22
	MFC_WrTagUpdate     Channel = 23
	MFC_RdTagStat       Channel = 24
	MFC_RdListStallStat Channel = 25
	MFC_WrListStallAck  Channel = 26
	MFC_RdAtomicStat    Channel = 27
	SPU_WrOutMbox       Channel = 28
	SPU_RdInMbox        Channel = 29
	SPU_WrOutIntrMbox   Channel = 30
)

// Tag update conditions written to MFC_WrTagUpdate.
const (
	TagUpdateImmediate = 0
	TagUpdateAny       = 1
	TagUpdateAll       = 2
)

// MFC command codes written to MFC_Cmd.
const (
	MFCPut     = 0x20
	MFCGet     = 0x40
	MFCGetllar = 0xd0
	MFCPutllc  = 0xb4
)

var channelNames = map[Channel]string{
	SPU_RdEventStat: "SPU_RdEventStat", SPU_WrEventMask: "SPU_WrEventMask",
	SPU_WrEventAck: "SPU_WrEventAck", SPU_RdSigNotify1: "SPU_RdSigNotify1",
	SPU_RdSigNotify2: "SPU_RdSigNotify2", SPU_WrDec: "SPU_WrDec", SPU_RdDec: "SPU_RdDec",
	MFC_WrMSSyncReq: "MFC_WrMSSyncReq", SPU_RdEventMask: "SPU_RdEventMask",
	MFC_RdTagMask: "MFC_RdTagMask", SPU_RdMachStat: "SPU_RdMachStat",
	SPU_WrSRR0: "SPU_WrSRR0", SPU_RdSRR0: "SPU_RdSRR0", MFC_LSA: "MFC_LSA",
	MFC_EAH: "MFC_EAH", MFC_EAL: "MFC_EAL", MFC_Size: "MFC_Size", MFC_TagID: "MFC_TagID",
	MFC_Cmd: "MFC_Cmd", MFC_WrTagMask: "MFC_WrTagMask", MFC_WrTagUpdate: "MFC_WrTagUpdate",
	MFC_RdTagStat: "MFC_RdTagStat", MFC_RdListStallStat: "MFC_RdListStallStat",
	MFC_WrListStallAck: "MFC_WrListStallAck", MFC_RdAtomicStat: "MFC_RdAtomicStat",
	SPU_WrOutMbox: "SPU_WrOutMbox", SPU_RdInMbox: "SPU_RdInMbox",
	SPU_WrOutIntrMbox: "SPU_WrOutIntrMbox",
}

func (c Channel) String() string {
	if n, ok := channelNames[c]; ok {
		return n
	}
	return fmt.Sprintf("$ch%d", uint8(c))
}
