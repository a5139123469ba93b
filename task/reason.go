/***************************************************************
 *
 * Copyright (C) 2025, Pelican Project, Morgridge Institute for Research
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

package task

import "strconv"

type (
	// Reason is the fine-grained cause the service attaches to a state change.
	Reason uint32

	// Fault is the coarse failure category exposed to applications.
	Fault uint32

	// WaitingReason explains why a task is sitting in StateWaiting.
	WaitingReason uint32
)

const (
	ReasonOK Reason = iota
	ReasonTaskSurvivalOneMonth
	ReasonWaitingNetworkOneDay
	ReasonStoppedNewFrontTask
	ReasonRunningTaskMeetLimits
	ReasonUserOperation
	ReasonAppBackgroundOrTerminate
	ReasonNetworkOffline
	ReasonUnsupportedNetworkType
	ReasonBuildClientFailed
	ReasonBuildRequestFailed
	ReasonGetFileSizeFailed
	ReasonContinuousTaskTimeout
	ReasonConnectError
	ReasonRequestError
	ReasonUploadFileError
	ReasonRedirectError
	ReasonProtocolError
	ReasonIOError
	ReasonUnsupportedRangeRequest
	ReasonOthersError
	ReasonAccountStopped
	ReasonNetworkChanged
	ReasonDNS
	ReasonTCP
	ReasonSSL
	ReasonInsufficientSpace
	ReasonNetworkApp
	ReasonNetworkAccount
	ReasonAppAccount
	ReasonNetworkAppAccount
	ReasonLowSpeed
)

const (
	FaultNone Fault = iota
	FaultOthers
	FaultDisconnected
	FaultTimeout
	FaultProtocol
	FaultParam
	FaultFsio
	FaultDNS
	FaultTCP
	FaultSSL
	FaultRedirect
	FaultLowSpeed
)

const (
	WaitingTaskQueueFull WaitingReason = iota
	WaitingNetworkNotMatch
	WaitingAppBackground
	WaitingUserInactivated
)

// FineGrainedFaultSDK is the first SDK version that understands the
// DNS/TCP/SSL/redirect/low-speed fault categories. Older callers see them
// as FaultOthers.
const FineGrainedFaultSDK = 12

var reasonFaults = map[Reason]Fault{
	ReasonOK:                       FaultNone,
	ReasonTaskSurvivalOneMonth:     FaultOthers,
	ReasonWaitingNetworkOneDay:     FaultOthers,
	ReasonStoppedNewFrontTask:      FaultOthers,
	ReasonRunningTaskMeetLimits:    FaultOthers,
	ReasonUserOperation:            FaultOthers,
	ReasonAppBackgroundOrTerminate: FaultOthers,
	ReasonNetworkOffline:           FaultDisconnected,
	ReasonUnsupportedNetworkType:   FaultOthers,
	ReasonBuildClientFailed:        FaultParam,
	ReasonBuildRequestFailed:       FaultParam,
	ReasonGetFileSizeFailed:        FaultFsio,
	ReasonContinuousTaskTimeout:    FaultTimeout,
	ReasonConnectError:             FaultTCP,
	ReasonRequestError:             FaultProtocol,
	ReasonUploadFileError:          FaultOthers,
	ReasonRedirectError:            FaultRedirect,
	ReasonProtocolError:            FaultProtocol,
	ReasonIOError:                  FaultFsio,
	ReasonUnsupportedRangeRequest:  FaultProtocol,
	ReasonOthersError:              FaultOthers,
	ReasonAccountStopped:           FaultOthers,
	ReasonNetworkChanged:           FaultOthers,
	ReasonDNS:                      FaultDNS,
	ReasonTCP:                      FaultTCP,
	ReasonSSL:                      FaultSSL,
	ReasonInsufficientSpace:        FaultOthers,
	ReasonNetworkApp:               FaultDisconnected,
	ReasonNetworkAccount:           FaultDisconnected,
	ReasonAppAccount:               FaultOthers,
	ReasonNetworkAppAccount:        FaultDisconnected,
	ReasonLowSpeed:                 FaultLowSpeed,
}

var reasonMessages = map[Reason]string{
	ReasonOK:                       "",
	ReasonTaskSurvivalOneMonth:     "The task has not been completed for a month yet",
	ReasonWaitingNetworkOneDay:     "The task waiting for network recovery has not been completed for a day yet",
	ReasonStoppedNewFrontTask:      "Stopped by a new front task",
	ReasonRunningTaskMeetLimits:    "Too many task in running state",
	ReasonUserOperation:            "User operation",
	ReasonAppBackgroundOrTerminate: "The app is background or terminate",
	ReasonNetworkOffline:           "NetWork is offline",
	ReasonUnsupportedNetworkType:   "NetWork type not meet the task config",
	ReasonBuildClientFailed:        "Build client error",
	ReasonBuildRequestFailed:       "Build request error",
	ReasonGetFileSizeFailed:        "Failed because cannot get the file size from the server and the precise is setted true by user",
	ReasonContinuousTaskTimeout:    "Continuous processing task time out",
	ReasonConnectError:             "Connect error",
	ReasonRequestError:             "Request error",
	ReasonUploadFileError:          "There are some files upload failed",
	ReasonRedirectError:            "Redirect error",
	ReasonProtocolError:            "Http protocol error",
	ReasonIOError:                  "Io Error",
	ReasonUnsupportedRangeRequest:  "The server is not support range request",
	ReasonOthersError:              "Some other error occured",
	ReasonAccountStopped:           "Account stopped",
	ReasonNetworkChanged:           "Network changed",
	ReasonDNS:                      "DNS error",
	ReasonTCP:                      "TCP error",
	ReasonSSL:                      "TSL/SSL error",
	ReasonInsufficientSpace:        "Insufficient space",
	ReasonNetworkApp:               "NetWork is offline and the app is background or terminate",
	ReasonNetworkAccount:           "NetWork is offline and the account is stopped",
	ReasonAppAccount:               "The account is stopped and the app is background or terminate",
	ReasonNetworkAppAccount:        "NetWork is offline and the app is background or terminate and the account is stopped",
	ReasonLowSpeed:                 "Below low speed limit",
}

// Message returns the fixed human readable text for r.
func (r Reason) Message() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return "Unknown reason " + strconv.Itoa(int(r))
}

func (r Reason) String() string {
	return r.Message()
}

// FaultOf maps a reason onto its fault category as seen by a caller
// built against sdkVersion.
func FaultOf(r Reason, sdkVersion int) Fault {
	fault, ok := reasonFaults[r]
	if !ok {
		return FaultOthers
	}
	if sdkVersion < FineGrainedFaultSDK {
		switch fault {
		case FaultDNS, FaultTCP, FaultSSL, FaultRedirect, FaultLowSpeed:
			return FaultOthers
		}
	}
	return fault
}

var faultNames = []string{
	FaultNone:         "NONE",
	FaultOthers:       "OTHERS",
	FaultDisconnected: "DISCONNECTED",
	FaultTimeout:      "TIMEOUT",
	FaultProtocol:     "PROTOCOL",
	FaultParam:        "PARAM",
	FaultFsio:         "FSIO",
	FaultDNS:          "DNS",
	FaultTCP:          "TCP",
	FaultSSL:          "SSL",
	FaultRedirect:     "REDIRECT",
	FaultLowSpeed:     "LOW_SPEED",
}

func (f Fault) String() string {
	if int(f) < len(faultNames) {
		return faultNames[f]
	}
	return "fault(" + strconv.Itoa(int(f)) + ")"
}

func (w WaitingReason) String() string {
	switch w {
	case WaitingTaskQueueFull:
		return "task queue full"
	case WaitingNetworkNotMatch:
		return "network not match"
	case WaitingAppBackground:
		return "app background"
	case WaitingUserInactivated:
		return "user inactivated"
	}
	return "waiting(" + strconv.Itoa(int(w)) + ")"
}
